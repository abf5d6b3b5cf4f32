package main

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/daimatz/jweave/pkg/classfile"
	"github.com/daimatz/jweave/pkg/hierarchy"
	"github.com/daimatz/jweave/pkg/weave"
)

var weaveCmd = &cobra.Command{
	Use:   "weave [class files or directories...]",
	Short: "Weave the configured accessors into classes",
	Long: `Weave reads every class file given (directories are walked), applies the
configured accessors and writes each class to the output directory. Input
directories are also searched when resolving the class hierarchy.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		units, dirs, err := collect(args)
		if err != nil {
			return err
		}
		var extra []hierarchy.Locator
		for _, d := range dirs {
			extra = append(extra, &hierarchy.DirLocator{Dir: d})
		}
		env, err := config.Environment(extra...)
		if err != nil {
			return err
		}
		if err := env.Activate(); err != nil {
			return err
		}

		woven, err := weaveAll(env, units, config.Path(config.Weave.Output), config.Weave.Parallel)
		if err != nil {
			return err
		}
		if err := config.SaveHierarchy(env.Resolver()); err != nil {
			log.Warningf("saving hierarchy cache: %s", err)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "wove %d of %d classes into %s\n", len(woven), len(units), config.Weave.Output)
		for _, u := range woven {
			fmt.Fprintf(w, "  %s\n", u.name)
			for _, ic := range env.Interceptors().For(u.name, u.access) {
				fmt.Fprintf(w, "    %s: %q before %q\n", ic.Hook, ic.Plan.Interceptor.Method, ic.Plan.Interceptor.Entry)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(weaveCmd)
}

// unit is one input class.
type unit struct {
	path   string
	name   string
	access uint16
	data   []byte
}

// collect reads the class files named by args, walking directories. It
// also returns the directories so they can serve as classpath.
func collect(args []string) ([]unit, []string, error) {
	var units []unit
	var dirs []string
	read := func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		cf, err := classfile.ParseBytes(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		name, err := cf.ClassName()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		units = append(units, unit{path: path, name: name, access: cf.AccessFlags, data: data})
		return nil
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, nil, err
		}
		if !info.IsDir() {
			if err := read(arg); err != nil {
				return nil, nil, err
			}
			continue
		}
		dirs = append(dirs, arg)
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".class") {
				return err
			}
			return read(path)
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return units, dirs, nil
}

// weaveAll runs the pre-pass over every unit so the hierarchy knows all of
// them, then the final pass in parallel. Every class is written to out
// under its internal name. It returns the classes that changed, in input
// order.
func weaveAll(env *weave.Environment, units []unit, out string, parallel int) ([]unit, error) {
	var errs error
	ready := units[:0:0]
	for _, u := range units {
		if _, err := env.Prepare(nil, u.name, u.data); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", u.path, err))
			continue
		}
		ready = append(ready, u)
	}
	if errs != nil {
		return nil, errs
	}

	changed := make([]bool, len(ready))
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, u := range ready {
		i, u := i, u
		g.Go(func() error {
			data, err := env.Transform(nil, u.name, u.data)
			if err != nil {
				return fmt.Errorf("%s: %w", u.path, err)
			}
			if !bytes.Equal(data, u.data) {
				changed[i] = true
				log.Infof("wove %s", u.name)
			}
			return writeClass(out, u.name, data)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var woven []unit
	for i, u := range ready {
		if changed[i] {
			woven = append(woven, u)
		}
	}
	return woven, nil
}

func writeClass(out, name string, data []byte) error {
	path := filepath.Join(out, filepath.FromSlash(name)+".class")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
