package ui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newBufferPrinter() (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return New(&out, &errOut, false), &out, &errOut
}

func TestPrinterNoColorForBuffers(t *testing.T) {
	p, out, errOut := newBufferPrinter()

	p.Info("Listening", ":8000")
	p.Success("ready")
	p.Error("failed to start", "port in use")

	assert.Equal(t, "Listening: :8000\nready\n", out.String())
	assert.Equal(t, "failed to start: port in use\n", errOut.String())
	assert.NotContains(t, out.String(), "\033[")
}

func TestPrinterColor(t *testing.T) {
	p, out, _ := newBufferPrinter()
	p.color = true

	p.Highlight("hi")
	assert.Equal(t, magenta+"hi"+reset+"\n", out.String())
}

func TestPrinterQuiet(t *testing.T) {
	p, out, errOut := newBufferPrinter()
	p.SetQuiet(true)

	p.Logo()
	p.Info("a", "b")
	p.Warning("careful")
	p.List([]string{"x"})
	p.Plain("text")
	p.Error("broken")

	assert.Empty(t, out.String())
	assert.Equal(t, "broken\n", errOut.String())
}

func TestWithDetail(t *testing.T) {
	assert.Equal(t, "msg", withDetail("msg", nil))
	assert.Equal(t, "msg", withDetail("msg", []interface{}{""}))
	assert.Equal(t, "msg: 42", withDetail("msg", []interface{}{42}))
}

func TestList(t *testing.T) {
	p, out, _ := newBufferPrinter()
	p.List([]string{"one", "two"})
	assert.Equal(t, "  - one\n  - two\n", out.String())
}
