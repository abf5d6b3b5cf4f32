package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/daimatz/jweave/pkg/accessor"
	"github.com/daimatz/jweave/pkg/classfile"
	"github.com/daimatz/jweave/pkg/hierarchy"
)

var dump bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <class file>",
	Short: "Print the hierarchy entry, signatures and accessor declaration of a class",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cf, err := classfile.ParseFile(args[0])
		if err != nil {
			return err
		}
		return inspect(cmd.OutOrStdout(), cf, dump)
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&dump, "dump", false, "dump the decoded model")
	rootCmd.AddCommand(inspectCmd)
}

func inspect(w io.Writer, cf *classfile.ClassFile, dump bool) error {
	entry, err := hierarchy.EntryOf(cf)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "class %s (access 0x%04x, version %d.%d)\n", entry.Name, entry.Access, cf.MajorVersion, cf.MinorVersion)
	if entry.Super != "" {
		fmt.Fprintf(w, "  extends %s\n", entry.Super)
	}
	if len(entry.Interfaces) > 0 {
		fmt.Fprintf(w, "  implements %s\n", strings.Join(entry.Interfaces, ", "))
	}
	if entry.Outer != "" {
		fmt.Fprintf(w, "  enclosed by %s\n", entry.Outer)
	}
	if entry.Signature != "" {
		fmt.Fprintf(w, "  signature %s\n", entry.Signature)
	}

	for _, f := range cf.Fields {
		fmt.Fprintf(w, "field %s %s%s\n", f.Name, f.Descriptor, generic(f.Signature))
	}
	for _, m := range cf.Methods {
		fmt.Fprintf(w, "method %s%s%s\n", m.Name, m.Descriptor, generic(m.Signature))
	}

	var decl *accessor.Declaration
	if accessor.IsAccessor(cf) {
		decl, err = accessor.Extract(cf)
		if err != nil {
			fmt.Fprintf(w, "invalid accessor:\n  %s\n", strings.ReplaceAll(err.Error(), "; ", "\n  "))
		} else {
			printDeclaration(w, decl)
		}
	}

	if dump {
		cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}
		cfg.Fdump(w, entry)
		if decl != nil {
			cfg.Fdump(w, decl)
		}
	}
	return nil
}

func generic(sig string) string {
	if sig == "" {
		return ""
	}
	return " <" + sig + ">"
}

func printDeclaration(w io.Writer, decl *accessor.Declaration) {
	fmt.Fprintf(w, "accessor for %q\n", decl.Target)
	for _, f := range decl.Fields {
		role := accessor.RoleFieldAccessor
		if f.Generator {
			role = accessor.RoleFieldGenerator
		}
		kind := "getter"
		if f.Setter {
			kind = "setter (" + f.Mode.String() + ")"
		}
		fmt.Fprintf(w, "  %s %s: %s of %q\n", role, f, kind, f.Field)
	}
	for _, m := range decl.Methods {
		fmt.Fprintf(w, "  %s %s: calls %q\n", accessor.RoleMethodAccessor, m, m.Method)
	}
	for _, ic := range decl.Interceptors {
		fmt.Fprintf(w, "  %s %s: %q before %q", accessor.RoleInterceptor, ic, ic.Method, ic.Entry)
		switch {
		case ic.IsReturn:
			fmt.Fprint(w, ", returns")
		case ic.Conditional():
			fmt.Fprintf(w, ", skips to %q", ic.Exit)
		}
		fmt.Fprintln(w)
		for _, l := range ic.Locals {
			fmt.Fprintf(w, "    local %q %s as parameter %d\n", l.ID, l.Type, l.Param)
		}
	}
	for _, m := range decl.LocalSetters {
		fmt.Fprintf(w, "  %s %s\n", accessor.RoleLocalSetter, m)
	}
}
