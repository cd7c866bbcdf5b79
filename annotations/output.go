package annotations

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// OutputFormatter renders Events as single lines of human-readable text,
// for the CLI's verbose/interactive mode.
type OutputFormatter struct {
	useColor bool
	writer   io.Writer
}

// NewOutputFormatter builds a formatter writing to w (stdout if nil).
func NewOutputFormatter(w io.Writer) *OutputFormatter {
	if w == nil {
		w = os.Stdout
	}
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = color.NoColor == false && isTerminal(f)
	}
	return &OutputFormatter{useColor: useColor, writer: w}
}

// Handle implements Handler.
func (f *OutputFormatter) Handle(event Event) {
	if line := f.Format(event); line != "" {
		fmt.Fprintln(f.writer, line)
	}
}

func (f *OutputFormatter) colorize(s string, c color.Attribute) string {
	if !f.useColor {
		return s
	}
	return color.New(c).Sprint(s)
}

// Format converts one Event into a line of text, tailored per event name;
// unrecognized names fall back to a generic "name latency" line rather
// than being dropped, so a new annotation site never goes silently
// unformatted.
func (f *OutputFormatter) Format(event Event) string {
	latency := fmt.Sprintf("[%6s]", event.Latency.Round(1))

	switch event.Name {
	case StepBegin:
		return fmt.Sprintf("%s %s tick=%v", latency, f.colorize("---", color.FgCyan), event.Data["tick"])

	case RuleMatched:
		return fmt.Sprintf("%s %s %v/%v matched by %v", latency,
			f.colorize("->", color.FgYellow), event.Data["group"], event.Data["rule"], event.Data["trigger"])

	case RuleExecuted:
		return fmt.Sprintf("%s %s %v/%v executed (%v actions)", latency,
			f.colorize("==", color.FgGreen), event.Data["group"], event.Data["rule"], event.Data["actions"])

	case RuleAlternate:
		return fmt.Sprintf("%s %s %v/%v took alternative branch", latency,
			f.colorize("~~", color.FgMagenta), event.Data["group"], event.Data["rule"])

	case RuleError, ErrorRuleExecution:
		return fmt.Sprintf("%s %s %v/%v: %v", latency,
			f.colorize("!!", color.FgRed), event.Data["group"], event.Data["rule"], event.Data["error"])

	case ContextCreated:
		return fmt.Sprintf("%s %s context %v::%v created", latency,
			f.colorize("+", color.FgBlue), event.Data["group"], event.Data["name"])

	case ContextTimeout:
		return fmt.Sprintf("%s %s context %v::%v timed out (counter=%v)", latency,
			f.colorize("x", color.FgYellow), event.Data["group"], event.Data["name"], event.Data["counter"])

	case ContextDeleted:
		return fmt.Sprintf("%s %s context %v::%v deleted", latency,
			f.colorize("-", color.FgBlue), event.Data["group"], event.Data["name"])

	case CacheCompress:
		return fmt.Sprintf("%s %s compressed %v events into %v", latency,
			f.colorize("#", color.FgCyan), event.Data["input"], event.Data["output"])

	case CacheCleared:
		return fmt.Sprintf("%s %s cache cleared", latency, f.colorize("#", color.FgCyan))

	case StepReload, ErrorReload:
		return fmt.Sprintf("%s %s reload: %v", latency, f.colorize("@", color.FgMagenta), event.Data)

	default:
		return fmt.Sprintf("%s %s %v", latency, event.Name, event.Data)
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
