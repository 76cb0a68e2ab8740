package extractor

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractEXIF(t *testing.T) {
	got := ExtractEXIF(withEXIF(t, encodeJPEG(t, 8, 8), sampleTIFF()), "JPEG")
	require.NotNil(t, got)

	assert.Equal(t, "Acme", got["Make"])
	assert.Equal(t, int64(1), got["Orientation"])
	assert.Equal(t, int64(7), got["49374"])
	assert.InDelta(t, 0.004, got["ExposureTime"], 1e-9)
	assert.Equal(t, "2024:05:01 12:00:00", got["DateTimeOriginal"])

	assert.Contains(t, got, "SubjectDistance")
	assert.Nil(t, got["SubjectDistance"])

	assert.NotContains(t, got, "ExifOffset")
	assert.NotContains(t, got, "34665")
	assert.NotContains(t, got, "34853")

	gps, ok := got["GPSInfo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "N", gps["GPSLatitudeRef"])
	assert.InDelta(t, 100.0, gps["GPSAltitude"], 1e-9)
}

func TestExtractEXIF_Absent(t *testing.T) {
	assert.Nil(t, ExtractEXIF(encodeJPEG(t, 8, 8), "JPEG"))
	assert.Nil(t, ExtractEXIF(encodePNG(t, 8, 8), "PNG"))
	assert.Nil(t, ExtractEXIF(nil, "JPEG"))
}

func TestExtractEXIF_Malformed(t *testing.T) {
	truncated := sampleTIFF()[:20]
	assert.Nil(t, ExtractEXIF(withEXIF(t, encodeJPEG(t, 8, 8), truncated), "JPEG"))

	garbage := []byte("MM\x00\x2a\xff\xff\xff\xff")
	assert.Nil(t, ExtractEXIF(withEXIF(t, encodeJPEG(t, 8, 8), garbage), "JPEG"))
}

// withPNGEXIF inserts an eXIf chunk carrying tiff right after IHDR.
func withPNGEXIF(t *testing.T, img, tiff []byte) []byte {
	t.Helper()
	const afterIHDR = 8 + 8 + 13 + 4
	require.Greater(t, len(img), afterIHDR)

	chunk := binary.BigEndian.AppendUint32(nil, uint32(len(tiff)))
	chunk = append(chunk, "eXIf"...)
	chunk = append(chunk, tiff...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	out := append([]byte{}, img[:afterIHDR]...)
	out = append(out, chunk...)
	return append(out, img[afterIHDR:]...)
}

func riffChunk(fourCC string, payload []byte) []byte {
	out := append([]byte(fourCC), binary.LittleEndian.AppendUint32(nil, uint32(len(payload)))...)
	out = append(out, payload...)
	if len(payload)%2 == 1 {
		out = append(out, 0)
	}
	return out
}

func webpWithEXIF(tiff []byte) []byte {
	body := append([]byte("WEBP"), riffChunk("VP8X", make([]byte, 9))...)
	body = append(body, riffChunk("EXIF", tiff)...)
	return append([]byte("RIFF"), append(binary.LittleEndian.AppendUint32(nil, uint32(len(body))), body...)...)
}

func TestExtractEXIF_PNG(t *testing.T) {
	got := ExtractEXIF(withPNGEXIF(t, encodePNG(t, 4, 4), sampleTIFF()), "PNG")

	require.NotNil(t, got)
	assert.Equal(t, "Acme", got["Make"])
	assert.Equal(t, "2024:05:01 12:00:00", got["DateTimeOriginal"])
}

func TestExtractEXIF_WebP(t *testing.T) {
	got := ExtractEXIF(webpWithEXIF(sampleTIFF()), "WEBP")
	require.NotNil(t, got)
	assert.Equal(t, "Acme", got["Make"])

	prefixed := ExtractEXIF(webpWithEXIF(append([]byte("Exif\x00\x00"), sampleTIFF()...)), "WEBP")
	require.NotNil(t, prefixed)
	assert.Equal(t, "Acme", prefixed["Make"])

	assert.Nil(t, ExtractEXIF([]byte("RIFF\x04\x00\x00\x00WEBP"), "WEBP"))
}

func TestPNGEXIF_Truncated(t *testing.T) {
	img := withPNGEXIF(t, encodePNG(t, 4, 4), sampleTIFF())

	assert.Nil(t, pngEXIF(img[:40]))
	assert.Nil(t, pngEXIF([]byte("not a png")))
}

func TestExtractEXIF_OtherFormatsIgnored(t *testing.T) {
	assert.Nil(t, ExtractEXIF(withEXIF(t, encodeJPEG(t, 8, 8), sampleTIFF()), "GIF"))
}

func TestUndefined(t *testing.T) {
	assert.Equal(t, "0230", undefined([]byte("0230")))
	assert.Equal(t, "", undefined([]byte{0, 0}))
	assert.Equal(t, []byte{1, 2, 3}, undefined([]byte{1, 2, 3}))
}

func TestTagName(t *testing.T) {
	assert.Equal(t, "Make", tagName(0x010F, exifTagNames))
	assert.Equal(t, "GPSAltitude", tagName(0x06, gpsTagNames))
	assert.Equal(t, "65000", tagName(65000, exifTagNames))
}
