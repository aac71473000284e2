package inject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailstore/internal/mime"
)

func TestStorageForTextPlain(t *testing.T) {
	row := storageFor(&mime.Bodypart{
		ContentType:    "text",
		ContentSubtype: "plain",
		Text:           "hello",
	})
	require.NotEmpty(t, row.hash)
	require.NotNil(t, row.text)
	assert.Equal(t, "hello", *row.text)
	assert.Nil(t, row.data)
	assert.Equal(t, 5, row.bytes)
}

func TestStorageForTextHTML(t *testing.T) {
	html := "<html><body><p>Hello <b>there</b></p></body></html>"
	row := storageFor(&mime.Bodypart{
		ContentType:    "text",
		ContentSubtype: "html",
		Text:           html,
	})
	require.NotEmpty(t, row.hash)
	require.NotNil(t, row.text)
	assert.NotContains(t, *row.text, "<b>")
	assert.Contains(t, *row.text, "Hello")
	assert.Equal(t, []byte(html), row.data)
}

func TestStorageForTextHashesDecodedText(t *testing.T) {
	a := storageFor(&mime.Bodypart{ContentType: "text", ContentSubtype: "plain", Text: "same"})
	b := storageFor(&mime.Bodypart{ContentType: "text", ContentSubtype: "plain", Text: "same"})
	c := storageFor(&mime.Bodypart{ContentType: "text", ContentSubtype: "plain", Text: "different"})
	assert.Equal(t, a.hash, b.hash)
	assert.NotEqual(t, a.hash, c.hash)
}

func TestStorageForContainers(t *testing.T) {
	multipart := storageFor(&mime.Bodypart{ContentType: "multipart", ContentSubtype: "mixed"})
	assert.Empty(t, multipart.hash)

	rfc822 := storageFor(&mime.Bodypart{ContentType: "message", ContentSubtype: "rfc822"})
	assert.Empty(t, rfc822.hash)
}

func TestStorageForSignedMultipart(t *testing.T) {
	raw := []byte("signed content bytes")
	row := storageFor(&mime.Bodypart{ContentType: "multipart", ContentSubtype: "signed", Data: raw})
	require.NotEmpty(t, row.hash)
	assert.Equal(t, raw, row.data)
}

func TestStorageForBinary(t *testing.T) {
	raw := []byte{0x1f, 0x8b, 0x08, 0x00}
	row := storageFor(&mime.Bodypart{ContentType: "application", ContentSubtype: "gzip", Data: raw})
	require.NotEmpty(t, row.hash)
	assert.Equal(t, raw, row.data)
	assert.Nil(t, row.text)
	assert.Equal(t, len(raw), row.bytes)
}
