package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/craftd/craftd/internal/config"
	"github.com/craftd/craftd/internal/project"
	servertls "github.com/craftd/craftd/internal/tls"
	"github.com/craftd/craftd/pkg/client"
	"github.com/craftd/craftd/pkg/template"
)

// command groups the CLI handlers. Remote commands build an API client
// from the connection flags and render the daemon's responses.
type command struct{}

// apiClient builds the client and verifies the daemon answers before the
// real call goes out.
func (c command) apiClient(f ConnFlags) (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  f.URL,
		Token:    f.Token,
		Timeout:  f.Timeout,
		Insecure: f.Insecure,
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	api, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it with 'craftd serve'", api.BaseURL())
	}
	return api, nil
}

// List prints every registered project as a table, or raw JSON.
func (c command) List(f ListFlags) error {
	api, err := c.apiClient(f.ConnFlags)
	if err != nil {
		return err
	}
	list, err := api.List(context.Background())
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(list)
		return nil
	}
	renderProjects(os.Stdout, list)
	return nil
}

// Status prints the daemon overview, or one project in full when --id is
// given.
func (c command) Status(f StatusFlags) error {
	api, err := c.apiClient(f.ConnFlags)
	if err != nil {
		return err
	}
	if f.ID > 0 {
		d, err := api.Describe(context.Background(), f.ID)
		if err != nil {
			return err
		}
		printJSON(d)
		return nil
	}
	ov, err := api.Status(context.Background())
	if err != nil {
		return err
	}
	printJSON(ov)
	return nil
}

// Create makes a new daemon-managed project. Flags left at their zero
// value keep the daemon defaults.
func (c command) Create(f CreateFlags) error {
	api, err := c.apiClient(f.ConnFlags)
	if err != nil {
		return err
	}
	req := client.CreateRequest{
		Project: client.CreateMeta{
			Name:       f.Name,
			ServerType: f.ServerType,
			Version:    f.Version,
			Execute:    f.Execute,
		},
	}
	if f.XmsMB > 0 || f.XmxMB > 0 {
		req.Java = &client.JavaSettings{XmsMB: f.XmsMB, XmxMB: f.XmxMB}
	}
	rec, err := api.Create(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Printf("Project '%s' created with id %d at %s\n", rec.Name, rec.ID, rec.Path)
	return nil
}

// Add registers an existing project directory.
func (c command) Add(f AddFlags) error {
	api, err := c.apiClient(f.ConnFlags)
	if err != nil {
		return err
	}
	rec, err := api.Add(context.Background(), f.Path)
	if err != nil {
		return err
	}
	fmt.Printf("Project '%s' added with id %d\n", rec.Name, rec.ID)
	return nil
}

// Remove deregisters a daemon-created project.
func (c command) Remove(f ProjectFlags) error {
	api, err := c.apiClient(f.ConnFlags)
	if err != nil {
		return err
	}
	if err := api.Remove(context.Background(), f.ID); err != nil {
		return err
	}
	fmt.Printf("Project %d removed, files kept\n", f.ID)
	return nil
}

// Start launches the project's server process.
func (c command) Start(f ProjectFlags) error {
	api, err := c.apiClient(f.ConnFlags)
	if err != nil {
		return err
	}
	if err := api.Start(context.Background(), f.ID); err != nil {
		return err
	}
	fmt.Printf("Project %d starting\n", f.ID)
	return nil
}

// Stop asks the server to shut down and waits for the process to exit.
func (c command) Stop(f ProjectFlags) error {
	api, err := c.apiClient(f.ConnFlags)
	if err != nil {
		return err
	}
	if err := api.Stop(context.Background(), f.ID); err != nil {
		return err
	}
	fmt.Printf("Project %d stopped\n", f.ID)
	return nil
}

// Backup runs a manual backup and prints its result.
func (c command) Backup(f ProjectFlags) error {
	api, err := c.apiClient(f.ConnFlags)
	if err != nil {
		return err
	}
	res, err := api.Backup(context.Background(), f.ID)
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

// FileGet downloads one project file to --local or stdout.
func (c command) FileGet(f FileFlags) error {
	api, err := c.apiClient(f.ConnFlags)
	if err != nil {
		return err
	}
	var w io.Writer = os.Stdout
	toFile := f.Local != "" && f.Local != "-"
	if toFile {
		out, err := os.Create(f.Local)
		if err != nil {
			return err
		}
		defer func() { _ = out.Close() }()
		w = out
	}
	n, err := api.DownloadFile(context.Background(), f.ID, f.Path, w)
	if err != nil {
		return err
	}
	if toFile {
		fmt.Printf("Downloaded %s (%d bytes) to %s\n", f.Path, n, f.Local)
	}
	return nil
}

// FilePut uploads one file from --local or stdin.
func (c command) FilePut(f FileFlags) error {
	api, err := c.apiClient(f.ConnFlags)
	if err != nil {
		return err
	}
	var r io.Reader = os.Stdin
	if f.Local != "" && f.Local != "-" {
		in, err := os.Open(f.Local)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		r = in
	}
	n, err := api.UploadFile(context.Background(), f.ID, f.Path, r)
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %s (%d bytes)\n", f.Path, n)
	return nil
}

// Console attaches the terminal to the project's console.
func (c command) Console(f ConsoleFlags) error {
	api, err := c.apiClient(f.ConnFlags)
	if err != nil {
		return err
	}
	return attachConsole(api, f.ID, os.Stdin, os.Stdout)
}

// InitConfig writes a starter daemon config with one generated token.
func (c command) InitConfig(f InitFlags) error {
	path := f.Path
	if path == "" {
		path = config.DefaultFileName
	}
	if !f.Force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s exists (use --force to overwrite)", path)
		}
	}
	cfg := config.Default()
	token := uuid.NewString()
	cfg.Tokens = []config.Token{{Value: token}}
	if f.DevTLS {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		tlsBlock, err := servertls.CreateDevTLS(filepath.Dir(abs))
		if err != nil {
			return err
		}
		cfg.Server.TLS = tlsBlock
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("Bearer token: %s\n", token)
	if f.DevTLS {
		fmt.Printf("TLS: self-signed certificates will be generated under %s\n", cfg.Server.TLS.Dir)
	}
	fmt.Printf("Start the daemon with: craftd serve --config=%s\n", path)
	return nil
}

// TokenGenerate prints fresh bearer tokens as [[tokens]] TOML sections.
func (c command) TokenGenerate(f TokenFlags) error {
	count := f.Count
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		fmt.Println("[[tokens]]")
		fmt.Printf("value = %q\n", uuid.NewString())
		if f.TTL > 0 {
			fmt.Printf("expires_at = %s\n", time.Now().Add(f.TTL).UTC().Format(time.RFC3339))
		}
		fmt.Println()
	}
	return nil
}

// Template renders a starter project.toml.
func (c command) Template(f TemplateFlags) error {
	name := f.Name
	if name == "" {
		name = f.Kind
	}
	kind := template.Kind(f.Kind)
	if f.Output == "-" {
		data, err := template.TOML(kind, name)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}
	out := f.Output
	if out == "" {
		out = project.ConfigFileName
	}
	if err := template.Write(out, kind, name, f.Force); err != nil {
		return err
	}
	fmt.Printf("Wrote %s template to %s\n", f.Kind, out)
	return nil
}
