package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

const (
	firstBlockSize = 10
	blockSize      = 16
	// Format B block 2 ends at this offset; longer frames carry a third block.
	formatBBlock2End = 126
)

var crcTable = crc16.MakeTable(crc16.CRC16_EN_13757)

// Checksum computes the CRC-16/EN-13757 used by wM-Bus.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

func verifyBlock(block, crc []byte, index int) error {
	want := binary.BigEndian.Uint16(crc)
	if got := Checksum(block); got != want {
		return fmt.Errorf("%w: block %d has %04X, computed %04X", ErrChecksumMismatch, index, want, got)
	}
	return nil
}

// formatALength is the on-air size of a format A frame with length field l.
func formatALength(l int) int {
	data := l + 1
	if data <= firstBlockSize {
		return data + 2
	}
	blocks := 1 + (data-firstBlockSize+blockSize-1)/blockSize
	return data + 2*blocks
}

func stripFormatA(raw []byte, l int) ([]byte, error) {
	need := formatALength(l)
	if len(raw) < need {
		return nil, fmt.Errorf("%w: format A needs %d bytes, have %d", ErrTruncated, need, len(raw))
	}
	out := make([]byte, 0, l+1)
	remaining := l + 1
	pos, size := 0, firstBlockSize
	for index := 0; remaining > 0; index++ {
		n := min(size, remaining)
		if err := verifyBlock(raw[pos:pos+n], raw[pos+n:pos+n+2], index); err != nil {
			return nil, err
		}
		out = append(out, raw[pos:pos+n]...)
		pos += n + 2
		remaining -= n
		size = blockSize
	}
	return out, nil
}

func stripFormatB(raw []byte, l int) ([]byte, error) {
	total := l + 1
	if len(raw) < total {
		return nil, fmt.Errorf("%w: format B needs %d bytes, have %d", ErrTruncated, total, len(raw))
	}
	if total < firstBlockSize+3 {
		return nil, fmt.Errorf("%w: format B length %d too small", ErrMalformed, l)
	}
	if total <= formatBBlock2End+2 {
		if err := verifyBlock(raw[:total-2], raw[total-2:total], 0); err != nil {
			return nil, err
		}
		return raw[:total-2], nil
	}
	if total < formatBBlock2End+2+3 {
		return nil, fmt.Errorf("%w: format B block 3 too small", ErrMalformed)
	}
	if err := verifyBlock(raw[:formatBBlock2End], raw[formatBBlock2End:formatBBlock2End+2], 0); err != nil {
		return nil, err
	}
	block3 := raw[formatBBlock2End+2 : total-2]
	if err := verifyBlock(block3, raw[total-2:total], 1); err != nil {
		return nil, err
	}
	out := make([]byte, 0, total-4)
	out = append(out, raw[:formatBBlock2End]...)
	return append(out, block3...), nil
}
