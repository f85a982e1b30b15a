package msf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func validSuperBlockBytes() []byte {
	sb := SuperBlock{PageSize: 4096, FreePageMapIndex: 1, PageCount: 10, StreamTableSize: 12}
	copy(sb.Magic[:], Magic)
	return sb.encode()
}

func TestParseSuperBlockRejectsBadMagic(t *testing.T) {
	buf := validSuperBlockBytes()
	buf[0] = 'X'
	_, err := parseSuperBlock(buf, 4096*10)
	require.True(t, errors.Is(err, ErrInvalidMagic))
}

func TestParseSuperBlockRejectsTruncatedHeader(t *testing.T) {
	_, err := parseSuperBlock(make([]byte, HeaderSize-1), 0)
	require.True(t, errors.Is(err, ErrTruncated))
}

func TestParseSuperBlockRejectsSizeMismatch(t *testing.T) {
	buf := validSuperBlockBytes()
	_, err := parseSuperBlock(buf, 4096*10+1)
	require.True(t, errors.Is(err, ErrInvalidFileSize))
}

func TestParseSuperBlockAccepts(t *testing.T) {
	buf := validSuperBlockBytes()
	sb, err := parseSuperBlock(buf, 4096*10)
	require.NoError(t, err)
	require.Equal(t, uint32(4096), sb.PageSize)
	require.Equal(t, uint32(10), sb.PageCount)
	require.Equal(t, uint32(12), sb.StreamTableSize)
	require.Equal(t, uint32(1), sb.StreamTablePageCount())
}

func TestStreamTablePageCountRoundsUp(t *testing.T) {
	sb := SuperBlock{PageSize: 4096, StreamTableSize: 4097}
	require.Equal(t, uint32(2), sb.StreamTablePageCount())
}

func TestIsFPMPosition(t *testing.T) {
	cases := []struct {
		page uint32
		want bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{4097, true}, // 4096+1
		{4098, true},
		{4099, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, IsFPMPosition(c.page, 4096), "page %d", c.page)
	}
}
