package adapters

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const fileSourceXML = `<events>
  <event>
    <name>fire</name>
    <id>e-1</id>
    <type>raw</type>
    <status>active</status>
    <host>h1</host>
    <creation>1000</creation>
  </event>
</events>`

func TestFileSource_RunEnqueuesDecodedEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.xml")
	require.NoError(t, os.WriteFile(path, []byte(fileSourceXML), 0o644))

	q := NewInputQueue(4)
	src := NewFileSource(FileSourceConfig{Filename: path}, zerolog.Nop(), q)
	require.NoError(t, src.Run(context.Background()))

	e, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "fire", e.Name)
	require.Equal(t, "e-1", e.ID)
}

func TestFileSource_MissingFileIsAnError(t *testing.T) {
	q := NewInputQueue(4)
	src := NewFileSource(FileSourceConfig{Filename: filepath.Join(t.TempDir(), "nope.xml")}, zerolog.Nop(), q)
	require.Error(t, src.Run(context.Background()))
}

func TestFileSink_PushWritesEventToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xml")
	sink, closer, err := NewFileSink(FileSinkConfig{Filename: path}, zerolog.Nop())
	require.NoError(t, err)
	defer closer()

	q := NewInputQueue(1)
	src := NewFileSource(FileSourceConfig{Filename: func() string {
		p := filepath.Join(t.TempDir(), "in.xml")
		require.NoError(t, os.WriteFile(p, []byte(fileSourceXML), 0o644))
		return p
	}()}, zerolog.Nop(), q)
	require.NoError(t, src.Run(context.Background()))
	e, ok := q.Pop()
	require.True(t, ok)

	require.NoError(t, sink.Push(context.Background(), e))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(out), "<id>e-1</id>")
}
