package extractor

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func solidImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solidImage(w, h), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(w, h)))
	return buf.Bytes()
}

// withEXIF inserts an APP1 Exif segment carrying tiff right after SOI.
func withEXIF(t *testing.T, jpg, tiff []byte) []byte {
	t.Helper()
	require.True(t, len(jpg) > 2 && jpg[0] == 0xFF && jpg[1] == 0xD8)

	payload := append([]byte("Exif\x00\x00"), tiff...)
	seg := []byte{0xFF, 0xE1}
	seg = binary.BigEndian.AppendUint16(seg, uint16(len(payload)+2))
	seg = append(seg, payload...)

	out := append([]byte{}, jpg[:2]...)
	out = append(out, seg...)
	return append(out, jpg[2:]...)
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	value []byte
}

func asciiEntry(tag uint16, s string) ifdEntry {
	return ifdEntry{tag: tag, typ: 2, count: uint32(len(s) + 1), value: append([]byte(s), 0)}
}

func shortEntry(tag, v uint16) ifdEntry {
	return ifdEntry{tag: tag, typ: 3, count: 1, value: binary.LittleEndian.AppendUint16(nil, v)}
}

func longEntry(tag uint16, v uint32) ifdEntry {
	return ifdEntry{tag: tag, typ: 4, count: 1, value: binary.LittleEndian.AppendUint32(nil, v)}
}

func rationalEntry(tag uint16, num, den uint32) ifdEntry {
	v := binary.LittleEndian.AppendUint32(nil, num)
	return ifdEntry{tag: tag, typ: 5, count: 1, value: binary.LittleEndian.AppendUint32(v, den)}
}

// encodeIFD lays out an IFD at offset, followed by its out-of-line values.
func encodeIFD(offset uint32, entries []ifdEntry) []byte {
	le := binary.LittleEndian
	dataOff := offset + 2 + 12*uint32(len(entries)) + 4

	var head, data []byte
	head = le.AppendUint16(head, uint16(len(entries)))
	for _, e := range entries {
		head = le.AppendUint16(head, e.tag)
		head = le.AppendUint16(head, e.typ)
		head = le.AppendUint32(head, e.count)
		if len(e.value) <= 4 {
			inline := make([]byte, 4)
			copy(inline, e.value)
			head = append(head, inline...)
			continue
		}
		head = le.AppendUint32(head, dataOff+uint32(len(data)))
		data = append(data, e.value...)
		if len(data)%2 == 1 {
			data = append(data, 0)
		}
	}
	head = le.AppendUint32(head, 0)
	return append(head, data...)
}

// sampleTIFF builds a little-endian TIFF block with IFD0, an Exif sub-IFD
// and a GPS sub-IFD.
func sampleTIFF() []byte {
	ifd0 := func(exifOff, gpsOff uint32) []ifdEntry {
		return []ifdEntry{
			asciiEntry(0x010F, "Acme"),
			shortEntry(0x0112, 1),
			shortEntry(0xC0DE, 7),
			longEntry(tagExifIFDPointer, exifOff),
			longEntry(tagGPSIFDPointer, gpsOff),
		}
	}
	exifEntries := []ifdEntry{
		rationalEntry(0x829A, 1, 250),
		asciiEntry(0x9003, "2024:05:01 12:00:00"),
		rationalEntry(0x9206, 5, 0),
	}
	gpsEntries := []ifdEntry{
		asciiEntry(0x0001, "N"),
		rationalEntry(0x0006, 100, 1),
	}

	const ifd0Off = 8
	exifOff := ifd0Off + uint32(len(encodeIFD(ifd0Off, ifd0(0, 0))))
	gpsOff := exifOff + uint32(len(encodeIFD(exifOff, exifEntries)))

	out := []byte("II")
	out = binary.LittleEndian.AppendUint16(out, 42)
	out = binary.LittleEndian.AppendUint32(out, ifd0Off)
	out = append(out, encodeIFD(ifd0Off, ifd0(exifOff, gpsOff))...)
	out = append(out, encodeIFD(exifOff, exifEntries)...)
	return append(out, encodeIFD(gpsOff, gpsEntries)...)
}
