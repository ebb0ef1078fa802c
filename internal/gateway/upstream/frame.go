package upstream

import (
	"encoding/binary"
	"time"

	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

// Record lengths are the dispatch discriminant for the binary tick feed —
// the parser never trusts a declared type byte in the payload, only the
// record's length.
const (
	recordLenLTP   = 22
	recordLenOHLCV = 62
	recordLenFull  = 266
)

// DecodedFrame is the result of parsing one inbound binary WS message: the
// ticks it contained, plus a count of any records whose length matched
// none of the known schemas (dropped, not fatal).
type DecodedFrame struct {
	Ticks        []types.Tick
	UnknownCount int
}

// Wire framing: a 2-byte packet count, then per packet a 2-byte length
// prefix followed by that many payload bytes — the same packet-count/
// length-prefix shape used by Kite-style tickers (see the gokiteticker
// consumer in moneybotsapi's stream service), adapted to the 22/62/266-byte
// record schemas below.
func DecodeFrame(data []byte, now time.Time) DecodedFrame {
	var out DecodedFrame
	if len(data) < 2 {
		return out
	}

	packetCount := int(binary.LittleEndian.Uint16(data[0:2]))
	offset := 2

	for i := 0; i < packetCount; i++ {
		if offset+2 > len(data) {
			break
		}
		payloadLen := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+payloadLen > len(data) {
			break
		}
		payload := data[offset : offset+payloadLen]
		offset += payloadLen

		tick, ok := decodeRecord(payload, now)
		if !ok {
			out.UnknownCount++
			continue
		}
		out.Ticks = append(out.Ticks, tick)
	}

	return out
}

func decodeRecord(b []byte, now time.Time) (types.Tick, bool) {
	switch len(b) {
	case recordLenLTP:
		return parseLTP(b, now), true
	case recordLenOHLCV:
		return parseOHLCV(b, now, types.ModeOHLCV), true
	case recordLenFull:
		return parseOHLCV(b, now, types.ModeFull), true
	default:
		return types.Tick{}, false
	}
}

func le32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

func leU32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func parseLTP(b []byte, now time.Time) types.Tick {
	token := leU32(b[0:4])
	priceX100 := le32(b[4:8])

	quote := types.PriceQuote(float64(priceX100)/100.0, now)
	return types.Tick{
		Pair:      types.Pair{Token: token},
		Mode:      types.ModeLTP,
		Quote:     quote,
		ArrivedAt: now,
	}
}

// parseOHLCV reads the shared 44-byte prefix used by both the 62-byte and
// 266-byte (full) records; the full record's remaining bytes are market
// depth, which is not part of the Quote data model and is
// intentionally left undecoded here.
func parseOHLCV(b []byte, now time.Time, mode types.Mode) types.Tick {
	token := leU32(b[0:4])
	priceX100 := le32(b[4:8])
	volume := le32(b[16:20])
	open := le32(b[28:32])
	high := le32(b[32:36])
	low := le32(b[36:40])
	closeP := le32(b[40:44])

	quote := types.PriceQuote(float64(priceX100)/100.0, now)
	vol := int64(volume)
	quote.Volume = &vol
	quote.OHLC = &types.OHLC{
		Open:  float64(open) / 100.0,
		High:  float64(high) / 100.0,
		Low:   float64(low) / 100.0,
		Close: float64(closeP) / 100.0,
	}

	return types.Tick{
		Pair:      types.Pair{Token: token},
		Mode:      mode,
		Quote:     quote,
		ArrivedAt: now,
	}
}
