package project

import (
	"fmt"
	"path/filepath"

	"github.com/craftd/craftd/internal/env"
	"github.com/craftd/craftd/internal/supervisor"
)

// BuildSpec assembles the launch specification for a project from its
// directory and configuration. The stop line is the game server's own
// console "stop" command for both families.
func BuildSpec(id int64, dir string, cfg Config, r Resolver) (supervisor.Spec, error) {
	spec := supervisor.Spec{
		ProjectID: id,
		Name:      cfg.Project.Name,
		Dir:       dir,
	}

	if cfg.Bedrock() {
		// The bedrock server dlopens its bundled libraries from the
		// working directory.
		spec.Command = []string{filepath.Join(dir, cfg.Project.Execute)}
		spec.Env = env.Table{"LD_LIBRARY_PATH": "."}
		return spec, nil
	}

	bin, err := r.JavaBinary(cfg.Java)
	if err != nil {
		return supervisor.Spec{}, err
	}
	argv := make([]string, 0, len(cfg.Java.Arguments)+6)
	argv = append(argv, bin)
	argv = append(argv, cfg.Java.Arguments...)
	if cfg.Java.XmsMB > 0 {
		argv = append(argv, fmt.Sprintf("-Xms%dM", cfg.Java.XmsMB))
	}
	if cfg.Java.XmxMB > 0 {
		argv = append(argv, fmt.Sprintf("-Xmx%dM", cfg.Java.XmxMB))
	}
	argv = append(argv, "-jar", cfg.Project.Execute, "-nogui")
	spec.Command = argv
	return spec, nil
}
