package h26x

import "github.com/icza/bitio"

func readGolombUnsigned(br *bitio.Reader) (uint32, error) {
	leadingZeroBits := uint32(0)
	for {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}
		if b != 0 {
			break
		}
		leadingZeroBits++
		if leadingZeroBits > 31 {
			return 0, ErrGolombOverflow
		}
	}

	codeNum := uint32(0)
	if leadingZeroBits > 0 {
		b, err := br.ReadBits(uint8(leadingZeroBits))
		if err != nil {
			return 0, err
		}
		codeNum = uint32(b)
	}
	return (1 << leadingZeroBits) - 1 + codeNum, nil
}
