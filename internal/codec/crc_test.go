package codec

import "testing"

func TestChecksumAlgorithms(t *testing.T) {
	check := []byte("123456789")
	tests := []struct {
		alg  ChecksumAlgorithm
		want uint16
	}{
		{ChecksumCCITT, 0x31C3},
		{ChecksumIBM, 0xBB3D},
	}
	for _, tt := range tests {
		if got := tt.alg.Sum(check); got != tt.want {
			t.Errorf("%s: Sum() = %04x, want %04x", tt.alg, got, tt.want)
		}
	}
}

func TestParseChecksumAlgorithm(t *testing.T) {
	for in, want := range map[string]ChecksumAlgorithm{"": ChecksumCCITT, "ccitt": ChecksumCCITT, "ibm": ChecksumIBM} {
		got, err := ParseChecksumAlgorithm(in)
		if err != nil || got != want {
			t.Errorf("ParseChecksumAlgorithm(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseChecksumAlgorithm("crc32"); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}
