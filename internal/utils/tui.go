package utils

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Theme - exported theme colors for consistent UI
var Theme = struct {
	Success   text.Colors
	Info      text.Colors
	Warning   text.Colors
	Error     text.Colors
	Heading   text.Colors
	Subtle    text.Colors
	Important text.Colors

	TableHeader text.Colors
	TableBorder text.Colors
	Divider     text.Colors
}{
	Success:   text.Colors{text.FgGreen},
	Info:      text.Colors{text.FgBlue},
	Warning:   text.Colors{text.FgYellow},
	Error:     text.Colors{text.FgRed},
	Heading:   text.Colors{text.FgHiCyan, text.Bold},
	Subtle:    text.Colors{text.FgHiBlack},
	Important: text.Colors{text.FgHiMagenta, text.Bold},

	TableHeader: text.Colors{text.BgBlue, text.FgHiWhite, text.Bold},
	TableBorder: text.Colors{text.FgBlue},
	Divider:     text.Colors{text.FgHiBlack},
}

// PrintHeading prints a formatted heading
func PrintHeading(title string) {
	fmt.Println(Theme.Heading.Sprint(title))
}

// PrintSubHeading prints a formatted sub-heading
func PrintSubHeading(title string) {
	fmt.Println(Theme.Info.Sprint(title))
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Println(Theme.Success.Sprint("✓ ") + message)
}

// PrintInfo prints an info message
func PrintInfo(message string) {
	fmt.Println(Theme.Info.Sprint("ℹ ") + message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Println(Theme.Warning.Sprint("⚠ ") + message)
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Println(Theme.Error.Sprint("✗ ") + message)
}

// PrintKeyValue prints a key-value pair
func PrintKeyValue(key, value string) {
	fmt.Printf("%s: %s\n", text.Colors{text.Bold}.Sprint(key), value)
}

// PrintKeyValueWithColor prints a key-value pair with colored value
func PrintKeyValueWithColor(key string, value string, colors text.Colors) {
	fmt.Printf("%s: %s\n", text.Colors{text.Bold}.Sprint(key), colors.Sprint(value))
}

// PrintDivider prints a horizontal divider
func PrintDivider() {
	fmt.Println(Theme.Divider.Sprint("---------------------------------------------------"))
}

// TableOptions defines options for table creation
type TableOptions struct {
	Title       string
	HeaderStyle text.Colors
	BorderStyle text.Colors
	Style       table.Style
}

// DefaultTableOptions returns default table options
func DefaultTableOptions() TableOptions {
	return TableOptions{
		HeaderStyle: Theme.TableHeader,
		BorderStyle: Theme.TableBorder,
		Style:       table.StyleLight,
	}
}

// CreateTable creates a new table with default styling
func CreateTable(options ...TableOptions) table.Writer {
	opts := DefaultTableOptions()
	if len(options) > 0 {
		opts = options[0]
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(opts.Style)
	t.Style().Color.Header = opts.HeaderStyle
	t.Style().Color.Border = opts.BorderStyle
	t.Style().Color.Separator = opts.BorderStyle
	if opts.Title != "" {
		t.SetTitle(opts.Title)
	}
	return t
}

// PrintTable renders a table with headers and rows to stdout
func PrintTable(headers []string, rows [][]string, options ...TableOptions) {
	t := CreateTable(options...)

	headerRow := make(table.Row, len(headers))
	for i, h := range headers {
		headerRow[i] = h
	}
	t.AppendHeader(headerRow)

	for _, row := range rows {
		tableRow := make(table.Row, len(row))
		for i, cell := range row {
			tableRow[i] = cell
		}
		t.AppendRow(tableRow)
	}

	t.Render()
}
