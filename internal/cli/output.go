package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output печатает результаты команд: таблицы и сообщения для человека
// или JSON для скриптов (--json). Данные идут в stdout, сообщения в stderr.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх stdout/stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(jsonMode, os.Stdout, os.Stderr)
}

// NewOutputTo создаёт Output с заданными writer'ами.
func NewOutputTo(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// List печатает список: таблицу или data как JSON.
func (o *Output) List(headers []string, rows [][]string, data any) {
	if o.jsonMode {
		o.JSON(data)
		return
	}
	o.table(headers, rows)
}

// Fields печатает карточку объекта: по одной паре "ключ: значение" в строке.
func (o *Output) Fields(fields [][2]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 1, ' ', 0)
	for _, f := range fields {
		fmt.Fprintf(tw, "%s:\t%s\n", f[0], cell(f[1]))
	}
	tw.Flush()
}

// Done сообщает об успешном действии. В JSON режиме печатается data.
func (o *Output) Done(data any, msg string) {
	if o.jsonMode {
		o.JSON(data)
		return
	}
	fmt.Fprintln(o.errW, msg)
}

// Info печатает сообщение в stderr в любом режиме.
func (o *Output) Info(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error печатает сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

// JSON печатает v с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func (o *Output) table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = cell(c)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
}

// cell заменяет пустое значение на "-" и обрезает многострочный текст.
func cell(s string) string {
	if s == "" {
		return "-"
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// progressBar рисует прогресс шага: [######----] 60%.
func progressBar(percent int) string {
	const width = 10
	percent = max(0, min(percent, 100))
	filled := percent * width / 100
	return fmt.Sprintf("[%s%s] %d%%", strings.Repeat("#", filled), strings.Repeat("-", width-filled), percent)
}
