package tokens

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tiktoken-go/tokenizer"
)

func TestCounter_Count(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	n, err := c.Count("")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	short, err := c.Count("hello")
	require.NoError(t, err)
	require.Positive(t, short)

	long, err := c.Count("hello there, this is a considerably longer sentence")
	require.NoError(t, err)
	require.Greater(t, long, short)
}

func TestDefaultEncoding(t *testing.T) {
	require.Equal(t, tokenizer.Cl100kBase, DefaultEncoding("llama3:latest"))
	require.Equal(t, tokenizer.O200kBase, DefaultEncoding("gpt-4o-mini"))
	require.Equal(t, tokenizer.P50kBase, DefaultEncoding("text-davinci-003"))
}
