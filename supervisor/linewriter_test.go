package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineWriterSplitsAndFlushes(t *testing.T) {
	var lines []string
	w := newLineWriter(func(line string) { lines = append(lines, line) })

	_, err := w.Write([]byte("first li"))
	assert.NoError(t, err)
	_, err = w.Write([]byte("ne\r\nsecond line\ntrailing"))
	assert.NoError(t, err)
	assert.Equal(t, []string{"first line", "second line"}, lines)

	w.Flush()
	assert.Equal(t, []string{"first line", "second line", "trailing"}, lines)

	// flushing again emits nothing
	w.Flush()
	assert.Len(t, lines, 3)
}
