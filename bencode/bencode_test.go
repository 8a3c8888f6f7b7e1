package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimpleEncode(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Mary   []byte `bencode:"m"`
		Joseph []byte `bencode:"j"`
		Peter  int64  `bencode:"p"`
		Paul   string `bencode:"pp"`
	}{
		Peter:  1234,
		Paul:   "abcdefghij",
		Joseph: []byte("0123456789"),
		Mary:   []byte("0123"),
	}
	buf, err := Serialize(&obj)
	require.Nil(err)
	require.Equal([]byte("d1:j10:01234567891:m4:01231:pi1234e2:pp10:abcdefghije"), buf)
}

func TestEncodeStructField(t *testing.T) {
	require := require.New(t)

	type inner struct {
		One string `bencode:"a"`
		Two string `bencode:"b"`
	}
	obj := struct {
		Three inner `bencode:"t"`
	}{
		Three: inner{One: "abcde", Two: "abcabc"},
	}
	buf, err := Serialize(&obj)
	require.Nil(err)
	require.Equal([]byte("d1:td1:a5:abcde1:b6:abcabcee"), buf)
}

func TestEncodeByteArray(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Key [4]byte `bencode:"k"`
	}{
		Key: [4]byte{'a', 'b', 'c', 'd'},
	}
	buf, err := Serialize(&obj)
	require.Nil(err)
	require.Equal([]byte("d1:k4:abcde"), buf)
}

func TestEncodeBoolAndUint(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Flag  bool   `bencode:"f"`
		Count uint32 `bencode:"c"`
	}{
		Flag:  true,
		Count: 7,
	}
	buf, err := Serialize(&obj)
	require.Nil(err)
	require.Equal([]byte("d1:ci7e1:fi1ee"), buf)
}

func TestRoundTripStruct(t *testing.T) {
	require := require.New(t)

	type record struct {
		ID      [16]byte          `bencode:"i"`
		Name    string            `bencode:"n"`
		Count   uint64            `bencode:"c"`
		Offset  int32             `bencode:"o"`
		Body    []byte            `bencode:"b"`
		Tags    []string          `bencode:"t"`
		Entries map[string][]byte `bencode:"e"`
	}

	in := record{
		Name:   "session",
		Count:  918273645,
		Offset: -42,
		Body:   []byte{0, 1, 2, 255},
		Tags:   []string{"a", "bb", "ccc"},
		Entries: map[string][]byte{
			"one": {1},
			"two": {2, 2},
		},
	}
	copy(in.ID[:], "0123456789abcdef")

	buf, err := Serialize(&in)
	require.Nil(err)
	out := record{}
	require.Nil(Deserialize(buf, &out))
	require.Equal(in, out)
}

func TestRoundTripNestedMap(t *testing.T) {
	require := require.New(t)

	in := map[uint8]map[string][]byte{
		1: {"a": []byte("xyz")},
		4: {"b": []byte("qrs"), "c": {}},
	}
	buf, err := Serialize(&in)
	require.Nil(err)
	out := make(map[uint8]map[string][]byte)
	require.Nil(Deserialize(buf, &out))
	require.Equal(in, out)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	require := require.New(t)

	var out string
	err := Deserialize([]byte("3:abcX"), &out)
	require.NotNil(err)
}

func TestDecodeRejectsWrongArrayLength(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Key [8]byte `bencode:"k"`
	}{}
	err := Deserialize([]byte("d1:k4:abcde"), &obj)
	require.NotNil(err)
	require.IsType(&DecodeError{}, err)
}

func TestDecodeRejectsMissingKey(t *testing.T) {
	require := require.New(t)

	obj := struct {
		One string `bencode:"a"`
		Two string `bencode:"b"`
	}{}
	err := Deserialize([]byte("d1:a1:xe"), &obj)
	require.NotNil(err)
	require.IsType(&DecodeError{}, err)
}

func TestDecodeTruncatedInputNeverPanics(t *testing.T) {
	require := require.New(t)

	type record struct {
		Name string            `bencode:"n"`
		Body []byte            `bencode:"b"`
		M    map[string][]byte `bencode:"m"`
	}
	in := record{Name: "x", Body: []byte("yy"), M: map[string][]byte{"k": []byte("v")}}
	buf, err := Serialize(&in)
	require.Nil(err)

	for i := 0; i != len(buf); i++ {
		out := record{}
		err := Deserialize(buf[:i], &out)
		require.NotNil(err)
		require.IsType(&DecodeError{}, err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	require := require.New(t)

	out := struct {
		Name string `bencode:"n"`
	}{}
	for _, in := range []string{"", "x", "i-0e", "d", "di1ee", "d1:n9999999999:ae"} {
		require.NotNil(Deserialize([]byte(in), &out))
	}
}
