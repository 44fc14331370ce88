package envvault

import (
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

func cSuccess(format string, a ...any) string {
	return color.GreenString(format, a...)
}

func cWarn(format string, a ...any) string {
	return color.YellowString(format, a...)
}

func cInfo(format string, a ...any) string {
	return color.CyanString(format, a...)
}

func cDim(format string, a ...any) string {
	return color.New(color.Faint).Sprintf(format, a...)
}

func cBold(format string, a ...any) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

// startSpinner shows a progress spinner on w while a remote operation runs.
// It returns a stop function that clears the spinner; both are no-ops when w
// is not a terminal (tests, piped output).
func (a *App) startSpinner(msg string) func() {
	w := a.Stderr
	f, ok := w.(*os.File)
	if !ok || !isTerminal(f) {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = " " + msg
	s.Start()
	return s.Stop
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
