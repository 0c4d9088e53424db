package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/edgeo-scada/s7"
	"github.com/fatih/color"
	"golang.org/x/text/encoding"
	"gopkg.in/yaml.v3"
)

var (
	okColor    = color.New(color.FgGreen)
	errColor   = color.New(color.FgRed)
	warnColor  = color.New(color.FgYellow)
	infoColor  = color.New(color.FgCyan)
	boldColor  = color.New(color.Bold)
	aliveColor = color.New(color.FgGreen, color.Bold)
)

func outputSuccess(format string, args ...interface{}) {
	fmt.Println(okColor.Sprint("OK") + " " + fmt.Sprintf(format, args...))
}

func outputError(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, errColor.Sprint("ERROR")+" "+fmt.Sprintf(format, args...))
}

func outputWarning(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, warnColor.Sprint("WARN")+" "+fmt.Sprintf(format, args...))
}

func outputInfo(format string, args ...interface{}) {
	fmt.Println(infoColor.Sprint("INFO") + " " + fmt.Sprintf(format, args...))
}

// ValueResult is one decoded variable.
type ValueResult struct {
	Name    string      `json:"name,omitempty" yaml:"name,omitempty"`
	Address string      `json:"address" yaml:"address"`
	Type    string      `json:"type" yaml:"type"`
	Value   interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	Hex     string      `json:"hex" yaml:"hex"`
	Error   string      `json:"error,omitempty" yaml:"error,omitempty"`
}

func newResult(addr s7.Address, raw []byte, enc encoding.Encoding) ValueResult {
	r := ValueResult{
		Address: addr.String(),
		Type:    addr.Type.String(),
		Hex:     fmt.Sprintf("% X", raw),
	}
	v, err := s7.DecodeValue(addr.Type, raw, enc)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Value = displayValue(v)
	return r
}

func displayValue(v interface{}) interface{} {
	switch x := v.(type) {
	case time.Duration:
		return x.String()
	case time.Time:
		return x.Format("2006-01-02 15:04:05.000")
	}
	return v
}

func outputValues(title string, results []ValueResult) error {
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(results)
	case "csv":
		return outputValuesCSV(results)
	case "raw":
		for _, r := range results {
			fmt.Println(valueString(r))
		}
		return nil
	case "hex":
		for _, r := range results {
			fmt.Println(r.Hex)
		}
		return nil
	default:
		return outputValuesTable(title, results, nil)
	}
}

func valueString(r ValueResult) string {
	if r.Error != "" {
		return ""
	}
	return fmt.Sprintf("%v", r.Value)
}

func outputValuesCSV(results []ValueResult) error {
	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"name", "address", "type", "value", "hex", "error"})
	for _, r := range results {
		w.Write([]string{r.Name, r.Address, r.Type, valueString(r), r.Hex, r.Error})
	}
	w.Flush()
	return w.Error()
}

// outputValuesTable prints results; rows whose index is in changed are
// highlighted.
func outputValuesTable(title string, results []ValueResult, changed map[int]bool) error {
	fmt.Printf("\n%s (%d variables)\n", boldColor.Sprint(title), len(results))
	fmt.Println(strings.Repeat("-", 60))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	named := false
	for _, r := range results {
		if r.Name != "" {
			named = true
			break
		}
	}
	if named {
		fmt.Fprintln(w, "NAME\tADDRESS\tTYPE\tVALUE\tHEX")
		fmt.Fprintln(w, "----\t-------\t----\t-----\t---")
	} else {
		fmt.Fprintln(w, "ADDRESS\tTYPE\tVALUE\tHEX")
		fmt.Fprintln(w, "-------\t----\t-----\t---")
	}

	for i, r := range results {
		value := valueString(r)
		switch {
		case r.Error != "":
			value = errColor.Sprint(r.Error)
		case changed[i]:
			value = warnColor.Sprint(value)
		}
		if named {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Address, r.Type, value, r.Hex)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Address, r.Type, value, r.Hex)
		}
	}
	w.Flush()
	fmt.Println()
	return nil
}

// hexDump prints raw bytes sixteen per line with their byte offsets.
func hexDump(start int, data []byte) {
	if outputFmt == "raw" {
		os.Stdout.Write(data)
		return
	}
	for i := 0; i < len(data); i += 16 {
		end := min(i+16, len(data))
		var ascii strings.Builder
		for _, b := range data[i:end] {
			if b >= 0x20 && b < 0x7F {
				ascii.WriteByte(b)
			} else {
				ascii.WriteByte('.')
			}
		}
		fmt.Printf("%s  %-47s  %s\n", infoColor.Sprintf("%06d", start+i), fmt.Sprintf("% X", data[i:end]), ascii.String())
	}
}
