package dbc

import (
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

const (
	EncodingGBK     = "gbk"
	EncodingUTF8    = "utf-8"
	EncodingGB18030 = "gb18030"
)

// lookupEncoding resolves a WHATWG encoding label such as "gbk", "utf-8" or
// "windows-1252".
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingUTF8, "utf8":
		return unicode.UTF8, nil
	case EncodingGBK, "cp936":
		return simplifiedchinese.GBK, nil
	case EncodingGB18030:
		return simplifiedchinese.GB18030, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown encoding %q", name)
	}
	return enc, nil
}

// decode converts data to UTF-8. A decoder that had to substitute the
// replacement character is treated as a failed decode.
func decode(data []byte, name string) (string, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", errors.Wrapf(err, "decode as %s", name)
	}
	if !utf8.Valid(out) || strings.ContainsRune(string(out), utf8.RuneError) {
		return "", errors.Newf("content is not valid %s", name)
	}
	return strings.TrimPrefix(string(out), "\ufeff"), nil
}

// Decode converts raw DBC bytes to text, trying the requested encoding first,
// then utf-8, then GB18030.
func Decode(data []byte, charset string) (string, error) {
	tried := []string{charset, EncodingUTF8, EncodingGB18030}
	var errs error
	for _, name := range tried {
		text, err := decode(data, name)
		if err == nil {
			return text, nil
		}
		errs = errors.CombineErrors(errs, err)
	}
	return "", errors.Wrap(errs, "read dbc content")
}

// ReadFile reads a DBC file with encoding fallback.
func ReadFile(path, charset string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "read dbc file")
	}
	return Decode(data, charset)
}

// ReadAll reads a DBC stream with encoding fallback.
func ReadAll(r io.Reader, charset string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", errors.Wrap(err, "read dbc stream")
	}
	return Decode(data, charset)
}
