package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	initFlags := &InitFlags{}
	tokenFlags := &TokenFlags{}
	listFlags := &ListFlags{}
	statusFlags := &StatusFlags{}
	createFlags := &CreateFlags{}
	addFlags := &AddFlags{}
	removeFlags := &ProjectFlags{}
	startFlags := &ProjectFlags{}
	stopFlags := &ProjectFlags{}
	backupFlags := &ProjectFlags{}
	fileFlags := &FileFlags{}
	consoleFlags := &ConsoleFlags{}
	templateFlags := &TemplateFlags{}

	craftdCommand := command{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createInitCommand(craftdCommand, initFlags),
		createTokenCommand(craftdCommand, tokenFlags),
		createListCommand(craftdCommand, listFlags),
		createStatusCommand(craftdCommand, statusFlags),
		createCreateCommand(craftdCommand, createFlags),
		createAddCommand(craftdCommand, addFlags),
		createRemoveCommand(craftdCommand, removeFlags),
		createStartCommand(craftdCommand, startFlags),
		createStopCommand(craftdCommand, stopFlags),
		createBackupCommand(craftdCommand, backupFlags),
		createFileCommand(craftdCommand, fileFlags),
		createConsoleCommand(craftdCommand, consoleFlags),
		createTemplateCommand(craftdCommand, templateFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "craftd",
		Short: "Game server supervision daemon",
		Long: `Craftd supervises game server processes: lifecycle, console access,
backups and file transfer, all over one authenticated HTTP API.

Examples:
  craftd serve --config=craftd.toml     # Run the daemon
  craftd list --token=<token>           # List projects
  craftd console --id=1 --token=<token> # Attach to a project console`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

// addConnFlags registers the daemon connection flags shared by the remote
// commands. timeout is the per-command default; operations that wait on
// the server (stop, backup, transfers) pass a larger one.
func addConnFlags(cmd *cobra.Command, f *ConnFlags, timeout time.Duration) {
	cmd.Flags().StringVar(&f.URL, "url", "", "daemon URL (default http://127.0.0.1:8137)")
	cmd.Flags().StringVar(&f.Token, "token", "", "bearer token for the control API")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", timeout, "request timeout")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for HTTPS daemons")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}

// createInitCommand creates the init subcommand.
func createInitCommand(craftdCommand command, initFlags *InitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter daemon configuration",
		Long: `Write a craftd.toml with defaults and one freshly generated bearer
token, ready for 'craftd serve'.

Examples:
  craftd init
  craftd init --path=/etc/craftd/craftd.toml
  craftd init --tls`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.InitConfig(*initFlags)
		},
	}

	cmd.Flags().StringVar(&initFlags.Path, "path", "", "where to write the config (default craftd.toml)")
	cmd.Flags().BoolVar(&initFlags.Force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&initFlags.DevTLS, "tls", false, "serve HTTPS with a self-signed certificate")

	return cmd
}

// createTokenCommand creates the token subcommand with its generators.
func createTokenCommand(craftdCommand command, tokenFlags *TokenFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer token helpers",
	}

	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate bearer tokens for the [[tokens]] config section",
		Long: `Generate random bearer tokens. Paste the printed TOML into the daemon
config and restart it to accept the new tokens.

Examples:
  craftd token generate
  craftd token generate --count=3 --ttl=720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.TokenGenerate(*tokenFlags)
		},
	}
	gen.Flags().IntVar(&tokenFlags.Count, "count", 1, "number of tokens")
	gen.Flags().DurationVar(&tokenFlags.TTL, "ttl", 0, "token lifetime, 0 never expires")

	cmd.AddCommand(gen)
	return cmd
}

// createListCommand creates the list subcommand.
func createListCommand(craftdCommand command, listFlags *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		Long: `List every registered project with its live state.

Examples:
  craftd list --token=<token>
  craftd list --url=https://remote:8137 --token=<token> --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.List(*listFlags)
		},
	}

	addConnFlags(cmd, &listFlags.ConnFlags, 10*time.Second)
	cmd.Flags().BoolVar(&listFlags.JSON, "json", false, "print raw JSON instead of a table")

	return cmd
}

// createStatusCommand creates the status subcommand.
func createStatusCommand(craftdCommand command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon or project status",
		Long: `Show the daemon overview, or everything known about one project.

Examples:
  craftd status --token=<token>          # Daemon overview
  craftd status --id=1 --token=<token>   # One project in full`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.Status(*statusFlags)
		},
	}

	addConnFlags(cmd, &statusFlags.ConnFlags, 10*time.Second)
	cmd.Flags().Int64Var(&statusFlags.ID, "id", 0, "project id (optional)")

	return cmd
}

// createCreateCommand creates the create subcommand.
func createCreateCommand(craftdCommand command, createFlags *CreateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new daemon-managed project",
		Long: `Create a project directory under the daemon workspace and register
it. Fields not given keep the daemon defaults.

Examples:
  craftd create --name=smp --token=<token>
  craftd create --name=lobby --type=paper --xmx=4096 --token=<token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.Create(*createFlags)
		},
	}

	addConnFlags(cmd, &createFlags.ConnFlags, 10*time.Second)
	cmd.Flags().StringVar(&createFlags.Name, "name", "", "project name (required)")
	cmd.Flags().StringVar(&createFlags.ServerType, "type", "", "server type (vanilla, paper, bedrock, ...)")
	cmd.Flags().StringVar(&createFlags.Version, "version", "", "server version")
	cmd.Flags().StringVar(&createFlags.Execute, "execute", "", "server jar or binary to run")
	cmd.Flags().IntVar(&createFlags.XmsMB, "xms", 0, "initial JVM heap in MB")
	cmd.Flags().IntVar(&createFlags.XmxMB, "xmx", 0, "maximum JVM heap in MB")

	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}

// createAddCommand creates the add subcommand.
func createAddCommand(craftdCommand command, addFlags *AddFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an existing project directory",
		Long: `Register a directory that already holds a project.toml. Added
projects stay externally managed: the daemon never removes their files.

Examples:
  craftd add --path=/srv/minecraft/smp --token=<token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.Add(*addFlags)
		},
	}

	addConnFlags(cmd, &addFlags.ConnFlags, 10*time.Second)
	cmd.Flags().StringVar(&addFlags.Path, "path", "", "project directory (required)")

	if err := cmd.MarkFlagRequired("path"); err != nil {
		panic(err)
	}

	return cmd
}

// createRemoveCommand creates the remove subcommand.
func createRemoveCommand(craftdCommand command, removeFlags *ProjectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Deregister a daemon-created project",
		Long: `Deregister a project the daemon created. The process must be
stopped; files on disk are kept. Added projects cannot be removed.

Examples:
  craftd remove --id=1 --token=<token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.Remove(*removeFlags)
		},
	}

	addConnFlags(cmd, &removeFlags.ConnFlags, 10*time.Second)
	cmd.Flags().Int64Var(&removeFlags.ID, "id", 0, "project id (required)")

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	return cmd
}

// createStartCommand creates the start subcommand.
func createStartCommand(craftdCommand command, startFlags *ProjectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a project's server",
		Long: `Launch the project's server process. The project configuration is
re-read on every start, so edits apply without re-adding.

Examples:
  craftd start --id=1 --token=<token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.Start(*startFlags)
		},
	}

	addConnFlags(cmd, &startFlags.ConnFlags, 2*time.Minute)
	cmd.Flags().Int64Var(&startFlags.ID, "id", 0, "project id (required)")

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	return cmd
}

// createStopCommand creates the stop subcommand.
func createStopCommand(craftdCommand command, stopFlags *ProjectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a project's server",
		Long: `Ask the server to shut down gracefully via its console stop command
and wait for the process to exit.

Examples:
  craftd stop --id=1 --token=<token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.Stop(*stopFlags)
		},
	}

	addConnFlags(cmd, &stopFlags.ConnFlags, 2*time.Minute)
	cmd.Flags().Int64Var(&stopFlags.ID, "id", 0, "project id (required)")

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	return cmd
}

// createBackupCommand creates the backup subcommand.
func createBackupCommand(craftdCommand command, backupFlags *ProjectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run a manual backup now",
		Long: `Run a backup of the project immediately. A backup already in flight
yields a skipped result instead of a second archive.

Examples:
  craftd backup --id=1 --token=<token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.Backup(*backupFlags)
		},
	}

	addConnFlags(cmd, &backupFlags.ConnFlags, 5*time.Minute)
	cmd.Flags().Int64Var(&backupFlags.ID, "id", 0, "project id (required)")

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	return cmd
}

// createFileCommand creates the file subcommand with get/put.
func createFileCommand(craftdCommand command, fileFlags *FileFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Download or upload project files",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Download a file from the project directory",
		Long: `Download one file. Paths are relative to the project directory and
may not escape it.

Examples:
  craftd file get --id=1 --path=server.properties --token=<token>
  craftd file get --id=1 --path=logs/latest.log --local=latest.log --token=<token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.FileGet(*fileFlags)
		},
	}

	put := &cobra.Command{
		Use:   "put",
		Short: "Upload a file into the project directory",
		Long: `Upload one file, replacing it atomically. The daemon enforces its
configured size limit.

Examples:
  craftd file put --id=1 --path=server.properties --local=server.properties --token=<token>
  cat ops.json | craftd file put --id=1 --path=ops.json --token=<token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.FilePut(*fileFlags)
		},
	}

	for _, sub := range []*cobra.Command{get, put} {
		addConnFlags(sub, &fileFlags.ConnFlags, 2*time.Minute)
		sub.Flags().Int64Var(&fileFlags.ID, "id", 0, "project id (required)")
		sub.Flags().StringVar(&fileFlags.Path, "path", "", "path inside the project directory (required)")
		sub.Flags().StringVar(&fileFlags.Local, "local", "", "local file, - or empty for stdout/stdin")
		if err := sub.MarkFlagRequired("id"); err != nil {
			panic(err)
		}
		if err := sub.MarkFlagRequired("path"); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(get, put)
	return cmd
}

// createConsoleCommand creates the console subcommand.
func createConsoleCommand(craftdCommand command, consoleFlags *ConsoleFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Attach to a project console",
		Long: `Attach the terminal to the project's console: recent output is
replayed, live lines follow, and every line you type is sent as a command.
Detach with Ctrl-D; the server keeps running.

Examples:
  craftd console --id=1 --token=<token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.Console(*consoleFlags)
		},
	}

	addConnFlags(cmd, &consoleFlags.ConnFlags, 10*time.Second)
	cmd.Flags().Int64Var(&consoleFlags.ID, "id", 0, "project id (required)")

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	return cmd
}

// createTemplateCommand creates the template subcommand.
func createTemplateCommand(craftdCommand command, templateFlags *TemplateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Generate a starter project.toml",
		Long: `Generate a starter project.toml for a server family. Drop the file
into a server directory and register it with 'craftd add'.

Supported kinds:
  vanilla, paper, purpur, fabric, forge, bedrock

Examples:
  craftd template --kind=paper --name=lobby
  craftd template --kind=bedrock --name=pocket --output=/srv/pocket/project.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return craftdCommand.Template(*templateFlags)
		},
	}

	cmd.Flags().StringVar(&templateFlags.Kind, "kind", "", "server family (required)")
	cmd.Flags().StringVar(&templateFlags.Name, "name", "", "project name (defaults to the kind)")
	cmd.Flags().StringVar(&templateFlags.Output, "output", "", "output file, - for stdout (default project.toml)")
	cmd.Flags().BoolVar(&templateFlags.Force, "force", false, "overwrite an existing file")

	if err := cmd.MarkFlagRequired("kind"); err != nil {
		panic(err)
	}

	return cmd
}
