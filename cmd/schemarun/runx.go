package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"schemarun/internal/config"
	runerrors "schemarun/internal/errors"
	"schemarun/internal/ost"
)

func newRunxCommand(configPath *string) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "runx template.ost",
		Short: "Run a self-describing template",
		Long: `Runx executes a template that carries its own front matter: the schema it
fills, default variable values, and a flag policy. The policy can pin a flag
to a fixed value, restrict it to a list, or block it outright; the command
line is checked against it before anything runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTemplateProgram(cmd, flags, *configPath, args[0])
		},
	}
	registerRunFlags(cmd, flags)
	return cmd
}

func runTemplateProgram(cmd *cobra.Command, flags *runFlags, configPath, ostPath string) error {
	data, err := readOST(ostPath)
	if err != nil {
		return err
	}
	doc, err := ost.Parse(data)
	if err != nil {
		return err
	}

	// The policy judges the invocation as typed, before any pinned value is
	// mixed in. Non-flag tokens like the verb and the template path are
	// skipped by the scan.
	if err := doc.Enforce(os.Args[1:], shortAliases); err != nil {
		return err
	}

	// Pinned values arrive as a late flag parse so Changed() reports them
	// and they layer over config exactly like user-typed flags.
	if fixed := doc.FixedArgs(); len(fixed) > 0 {
		if err := cmd.Flags().Parse(fixed); err != nil {
			return runerrors.Wrapf(runerrors.KindUsage, err,
				"template %s pins a flag this build does not know", filepath.Base(ostPath))
		}
	}

	name := doc.CLI.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(ostPath), filepath.Ext(ostPath))
	}
	src := jobSource{
		templateStr:  doc.Body,
		templateName: filepath.Base(ostPath),
		baseVars:     doc.Defaults,
	}
	if inline, ok := doc.InlineSchema(); ok {
		src.inlineSchema = inline
		src.schemaName = name
	} else if path, ok := doc.SchemaPath(); ok {
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(ostPath), path)
		}
		src.schemaPath = path
	} else {
		return runerrors.Newf(runerrors.KindUsage,
			"template %s declares no schema", filepath.Base(ostPath)).
			WithHint("Add a schema path or an inline schema object to the front matter.")
	}
	return runJob(cmd, flags, configPath, src)
}

// readOST loads the template program. The path is taken as given rather than
// gate-checked: it names the program being run, and the gate confines what
// that program may read, not where it lives.
func readOST(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, runerrors.Wrapf(runerrors.KindNotFound, err, "template %s", path)
	}
	if info.Size() > config.DefaultTemplateMaxBytes {
		return nil, runerrors.Newf(runerrors.KindPromptTooLarge,
			"template %s is %d bytes; the cap is %d", path, info.Size(), int64(config.DefaultTemplateMaxBytes)).
			WithHint("Move bulk content out of the template and attach it with --file.")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, runerrors.Wrapf(runerrors.KindNotFound, err, "template %s", path)
	}
	return data, nil
}
