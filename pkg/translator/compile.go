package translator

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"plugin"
	"sync"

	"rvm/pkg/emu"
)

// Dylib is a loaded translation artifact; plugin handles and test
// doubles both satisfy it.
type Dylib interface {
	Lookup(symbol string) (any, error)
}

type pluginDylib struct{ p *plugin.Plugin }

func (d pluginDylib) Lookup(symbol string) (any, error) {
	s, err := d.p.Lookup(symbol)
	return any(s), err
}

// dlopenMu serializes plugin loading; the loader is not reentrant on
// all platforms.
var dlopenMu sync.Mutex

// OpenDylib loads a compiled translation from disk.
func OpenDylib(path string) (Dylib, error) {
	dlopenMu.Lock()
	defer dlopenMu.Unlock()
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load translation %s: %w", path, err)
	}
	return pluginDylib{p}, nil
}

// Compiler produces a loadable artifact from an emitted translation
// unit. The default implementation drives the external Go toolchain;
// it is an external collaborator as far as the core is concerned.
type Compiler interface {
	Compile(code string, defines map[string]string, outPath string) (Dylib, error)
	CrossCompile(code string, defines map[string]string, cc emu.CrossBuildOptions, outPath string) error
}

// GoPluginCompiler shells out to `go build -buildmode=plugin`.
type GoPluginCompiler struct {
	// ModuleDir is the on-disk root of this module, target of the
	// replace directive in the generated build module.
	ModuleDir string
	// Verbose mirrors the loader's verbose flag.
	Verbose bool
}

func (g GoPluginCompiler) buildDir(code string, defines map[string]string) (string, error) {
	dir, err := os.MkdirTemp("", "rvm-bintr-*")
	if err != nil {
		return "", err
	}
	gomod := fmt.Sprintf("module bintr\n\ngo 1.24.0\n\nrequire rvm v0.0.0\n\nreplace rvm => %s\n", g.ModuleDir)
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte(gomod), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func (g GoPluginCompiler) run(dir, outPath string, env []string) error {
	cmd := exec.Command("go", "build", "-buildmode=plugin", "-o", outPath, ".")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if g.Verbose {
			fmt.Fprintf(os.Stderr, "rvm: translation build failed:\n%s\n", out)
		}
		return fmt.Errorf("translation build failed: %w", err)
	}
	return nil
}

func (g GoPluginCompiler) Compile(code string, defines map[string]string, outPath string) (Dylib, error) {
	dir, err := g.buildDir(code, defines)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	if err := g.run(dir, outPath, nil); err != nil {
		return nil, err
	}
	return OpenDylib(outPath)
}

func (g GoPluginCompiler) CrossCompile(code string, defines map[string]string, cc emu.CrossBuildOptions, outPath string) error {
	dir, err := g.buildDir(code, defines)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	env := []string{"GOOS=" + cc.GOOS, "GOARCH=" + cc.GOARCH, "CGO_ENABLED=1"}
	return g.run(dir, outPath, env)
}
