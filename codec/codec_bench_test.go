package codec

import (
	"testing"

	"duplex-rpc/message"
)

func benchmarkCodec(b *testing.B, ct CodecType) {
	cdc := GetCodec(ct)
	msg := message.NewInvoke("Arith", "Add", [][]byte{[]byte(`{"A":1,"B":2}`)})
	msg.Invoke.Metadata = map[string]string{message.MetaClientID: "bench"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(msg)
		if err != nil {
			b.Fatal(err)
		}
		var out message.Message
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

// 纯编解码性能，不走网络
func BenchmarkCodecJSON(b *testing.B)    { benchmarkCodec(b, CodecTypeJSON) }
func BenchmarkCodecBinary(b *testing.B)  { benchmarkCodec(b, CodecTypeBinary) }
func BenchmarkCodecMsgpack(b *testing.B) { benchmarkCodec(b, CodecTypeMsgpack) }
func BenchmarkCodecProto(b *testing.B)   { benchmarkCodec(b, CodecTypeProto) }
