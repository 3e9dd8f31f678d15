package sail

import (
	"io"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/mitchellh/cli"
)

// BuildUI constructs a layered cli.Ui (the sail CLI commands print
// through cobra's output writers, not through it): a concurrency-safe base, colored when the output stream is a real terminal,
// plain otherwise (redirected to a file, piped into another process, or
// running in CI).
//
// Grounded on the teacher's ui.ColoredUIFactory/ConcurrentUIFactory layering
// (cli.ColoredUi wrapping cli.ConcurrentUi wrapping cli.BasicUi), trimmed to
// the two factories sail actually needs; the teacher's PrefixedUIFactory and
// ask/secret-prompt plumbing (speakeasy) have no use here since a build run
// never prompts interactively.
func BuildUI(in io.Reader, out, errW io.Writer) cli.Ui {
	base := &cli.BasicUi{Reader: in, Writer: out, ErrorWriter: errW}
	concurrent := &cli.ConcurrentUi{Ui: base}

	if f, ok := out.(interface{ Fd() uintptr }); ok && isatty.IsTerminal(f.Fd()) {
		return &cli.ColoredUi{
			Ui:          concurrent,
			OutputColor: cli.UiColorNone,
			InfoColor:   cli.UiColorNone,
			WarnColor:   cli.UiColor{Code: int(color.FgYellow)},
			ErrorColor:  cli.UiColorRed,
		}
	}
	return concurrent
}
