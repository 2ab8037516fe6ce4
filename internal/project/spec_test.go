package project

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func TestBuildSpecJavaArgv(t *testing.T) {
	home := t.TempDir()
	bin := writeJavaHome(t, home)
	dir := t.TempDir()

	cfg := Default("srv")
	cfg.Java.Edition = EditionCustom
	cfg.Java.Custom = home
	cfg.Java.Arguments = []string{"-XX:+UseZGC"}
	cfg.Java.XmsMB = 512
	cfg.Java.XmxMB = 1024

	spec, err := BuildSpec(7, dir, cfg, Resolver{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{bin, "-XX:+UseZGC", "-Xms512M", "-Xmx1024M", "-jar", "server.jar", "-nogui"}
	if !reflect.DeepEqual(spec.Command, want) {
		t.Fatalf("argv = %v, want %v", spec.Command, want)
	}
	if spec.ProjectID != 7 || spec.Name != "srv" || spec.Dir != dir {
		t.Fatalf("spec identity wrong: %+v", spec)
	}
}

func TestBuildSpecBedrock(t *testing.T) {
	dir := t.TempDir()
	cfg := Default("bed")
	cfg.Project.ServerType = TypeBedrock
	cfg.Project.Execute = "bedrock_server"

	spec, err := BuildSpec(3, dir, cfg, Resolver{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{filepath.Join(dir, "bedrock_server")}
	if !reflect.DeepEqual(spec.Command, want) {
		t.Fatalf("argv = %v, want %v", spec.Command, want)
	}
	if spec.Env["LD_LIBRARY_PATH"] != "." {
		t.Fatalf("bedrock env = %v", spec.Env)
	}
}

func TestBuildSpecUnresolvableJava(t *testing.T) {
	cfg := Default("srv")
	cfg.Java.Mode = JavaModeManual
	cfg.Java.Version = 99

	_, err := BuildSpec(1, t.TempDir(), cfg, Resolver{RuntimesDir: t.TempDir()})
	if !errors.Is(err, ErrJavaNotFound) {
		t.Fatalf("build = %v, want ErrJavaNotFound", err)
	}
}
