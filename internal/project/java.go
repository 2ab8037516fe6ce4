package project

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrJavaNotFound is returned when no usable JVM can be located for a
// project's java section.
var ErrJavaNotFound = errors.New("java runtime not available")

// Resolver locates the JVM binary for Java family projects. Managed
// runtimes live under RuntimesDir as <edition>-<version> trees with a
// regular JAVA_HOME layout.
type Resolver struct {
	RuntimesDir string
	// LookPath finds a binary on PATH; defaults to exec.LookPath.
	LookPath func(name string) (string, error)
}

func javaExe() string {
	if runtime.GOOS == "windows" {
		return "java.exe"
	}
	return "java"
}

// JavaBinary resolves the java executable for j.
//
// Edition "custom" always uses $custom/bin/java. Otherwise a managed
// runtime under RuntimesDir wins when present; in auto mode a PATH java is
// the fallback, in manual mode a missing managed runtime is an error.
func (r Resolver) JavaBinary(j Java) (string, error) {
	if j.Edition == EditionCustom {
		bin := filepath.Join(j.Custom, "bin", javaExe())
		if _, err := os.Stat(bin); err != nil {
			return "", fmt.Errorf("%w: custom home %s: %v", ErrJavaNotFound, j.Custom, err)
		}
		return bin, nil
	}

	if r.RuntimesDir != "" {
		home := filepath.Join(r.RuntimesDir, fmt.Sprintf("%s-%d", j.Edition, j.Version))
		bin := filepath.Join(home, "bin", javaExe())
		if _, err := os.Stat(bin); err == nil {
			return bin, nil
		}
	}

	if j.Mode == JavaModeManual {
		return "", fmt.Errorf("%w: no managed %s-%d runtime under %s",
			ErrJavaNotFound, j.Edition, j.Version, r.RuntimesDir)
	}

	lookPath := r.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	bin, err := lookPath(javaExe())
	if err != nil {
		return "", fmt.Errorf("%w: no managed runtime and no java on PATH", ErrJavaNotFound)
	}
	return bin, nil
}
