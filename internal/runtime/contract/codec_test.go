package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type protoMessage = proto.Message

func TestMarshalUnmarshalStruct(t *testing.T) {
	type payment struct {
		Invoice string `json:"invoice"`
		Cents   int64  `json:"cents"`
	}
	data, err := Marshal(payment{Invoice: "INV-1", Cents: 990})
	require.NoError(t, err)

	out, err := Unmarshal[payment](data)
	require.NoError(t, err)
	assert.Equal(t, payment{Invoice: "INV-1", Cents: 990}, out)
}

func TestMarshalUnmarshalProto(t *testing.T) {
	data, err := Marshal(wrapperspb.String("hello"))
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(data))

	out, err := Unmarshal[*wrapperspb.StringValue](data)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.GetValue())
}

func TestUnmarshalEmptyYieldsZero(t *testing.T) {
	out, err := Unmarshal[map[string]any](nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
