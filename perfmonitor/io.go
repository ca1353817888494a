package perfmonitor

import (
	"bufio"
	"os"

	"github.com/pkg/errors"
)

// writeLines opens path for writing and invokes build with an emit
// callback, one metrics line at a time, flushing a buffered writer at the
// end.
func writeLines(path string, build func(emit func(string))) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s for metrics export", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	build(func(line string) {
		w.WriteString(line)
		w.WriteByte('\n')
	})
	return errors.Wrap(w.Flush(), "flushing metrics export")
}
