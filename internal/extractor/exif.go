package extractor

import (
	"bytes"
	"encoding/binary"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// ExtractEXIF returns the readable EXIF tags of a JPEG, TIFF, PNG (eXIf chunk)
// or WebP (EXIF chunk) image, keyed by tag name. Exif sub-IFD tags are merged
// into the top level and GPS tags are nested under "GPSInfo". Tags missing
// from the name tables are keyed by their decimal code. Missing or malformed
// EXIF yields nil.
func ExtractEXIF(data []byte, format string) (tags map[string]any) {
	var raw []byte
	switch format {
	case "JPEG", "TIFF":
		raw = data
	case "PNG":
		raw = pngEXIF(data)
	case "WEBP":
		raw = webpEXIF(data)
	}
	if len(raw) == 0 {
		return nil
	}

	defer func() {
		if recover() != nil {
			tags = nil
		}
	}()

	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		return nil
	}
	if x == nil || x.Tiff == nil || len(x.Tiff.Dirs) == 0 {
		return nil
	}

	out := map[string]any{}
	for _, tag := range x.Tiff.Dirs[0].Tags {
		switch tag.Id {
		case tagExifIFDPointer:
			if sub := subDir(x, tag); sub != nil {
				addTags(out, sub.Tags, exifTagNames)
			}
		case tagGPSIFDPointer:
			if sub := subDir(x, tag); sub != nil {
				gps := map[string]any{}
				addTags(gps, sub.Tags, gpsTagNames)
				if len(gps) > 0 {
					out["GPSInfo"] = gps
				}
			}
		default:
			addTag(out, tag, exifTagNames)
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func addTags(dst map[string]any, tags []*tiff.Tag, names map[uint16]string) {
	for _, tag := range tags {
		addTag(dst, tag, names)
	}
}

func addTag(dst map[string]any, tag *tiff.Tag, names map[uint16]string) {
	switch tag.Id {
	case tagExifIFDPointer, tagGPSIFDPointer, tagInteropIFDPointer:
		return
	}
	v, ok := tagValue(tag)
	if !ok {
		return
	}
	dst[tagName(tag.Id, names)] = v
}

func tagName(id uint16, names map[uint16]string) string {
	if name, ok := names[id]; ok {
		return name
	}
	return strconv.Itoa(int(id))
}

// subDir decodes the IFD a pointer tag refers to. Offsets are relative to
// the TIFF header, which is where x.Raw starts.
func subDir(x *exif.Exif, ptr *tiff.Tag) *tiff.Dir {
	off, err := ptr.Int64(0)
	if err != nil || off <= 0 || off >= int64(len(x.Raw)) {
		return nil
	}
	r := bytes.NewReader(x.Raw)
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return nil
	}
	dir, _, err := tiff.DecodeDir(r, x.Tiff.Order)
	if err != nil {
		return nil
	}
	return dir
}

// tagValue converts a tag to a JSON-friendly value. Multi-valued tags become
// slices; rationals become floats, or nil for a zero denominator.
func tagValue(tag *tiff.Tag) (any, bool) {
	switch tag.Format() {
	case tiff.StringVal:
		s, err := tag.StringVal()
		if err != nil {
			return nil, false
		}
		return strings.TrimRight(s, "\x00 "), true
	case tiff.IntVal:
		return collect(int(tag.Count), func(i int) (any, error) {
			return tag.Int64(i)
		})
	case tiff.RatVal:
		return collect(int(tag.Count), func(i int) (any, error) {
			num, den, err := tag.Rat2(i)
			if err != nil {
				return nil, err
			}
			if den == 0 {
				return nil, nil
			}
			return float64(num) / float64(den), nil
		})
	case tiff.FloatVal:
		return collect(int(tag.Count), func(i int) (any, error) {
			return tag.Float(i)
		})
	case tiff.UndefVal:
		return undefined(tag.Val), true
	}
	return nil, false
}

func collect(n int, at func(int) (any, error)) (any, bool) {
	if n == 1 {
		v, err := at(0)
		return v, err == nil
	}
	vals := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := at(i)
		if err != nil {
			return nil, false
		}
		vals = append(vals, v)
	}
	return vals, true
}

// undefined renders printable payloads (ExifVersion "0230") as text and
// keeps everything else as bytes.
func undefined(val []byte) any {
	trimmed := bytes.TrimRight(val, "\x00")
	if len(trimmed) == 0 {
		return ""
	}
	for _, r := range string(trimmed) {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return append([]byte(nil), val...)
		}
	}
	return string(trimmed)
}

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
	exifHeader   = []byte("Exif\x00\x00")
)

// pngEXIF returns the TIFF payload of a PNG eXIf chunk.
func pngEXIF(data []byte) []byte {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil
	}
	for p := data[len(pngSignature):]; len(p) >= 12; {
		n := binary.BigEndian.Uint32(p[:4])
		typ := string(p[4:8])
		if uint64(n)+12 > uint64(len(p)) {
			return nil
		}
		switch typ {
		case "eXIf":
			return bytes.TrimPrefix(p[8:8+n], exifHeader)
		case "IDAT", "IEND":
			// eXIf is only valid before the image data.
			return nil
		}
		p = p[12+n:]
	}
	return nil
}

// webpEXIF returns the TIFF payload of a WebP EXIF chunk.
func webpEXIF(data []byte) []byte {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil
	}
	for p := data[12:]; len(p) >= 8; {
		n := binary.LittleEndian.Uint32(p[4:8])
		if uint64(n)+8 > uint64(len(p)) {
			return nil
		}
		if string(p[:4]) == "EXIF" {
			return bytes.TrimPrefix(p[8:8+n], exifHeader)
		}
		step := 8 + uint64(n) + uint64(n&1)
		if step > uint64(len(p)) {
			return nil
		}
		p = p[step:]
	}
	return nil
}
