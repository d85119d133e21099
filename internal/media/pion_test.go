package media

import (
	"testing"

	"github.com/pion/rtp"
)

func TestFlowStatsCountsGaps(t *testing.T) {
	var st flowStats
	for _, seq := range []uint16{65533, 65534, 1, 1, 0, 2} {
		st.observe(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: make([]byte, 10)})
	}
	if st.Packets != 6 || st.Bytes != 60 {
		t.Fatalf("packets=%d bytes=%d", st.Packets, st.Bytes)
	}
	// 65535 and 0 are skipped on the wrap; the late 0 and the repeat count nothing.
	if st.Lost != 2 {
		t.Fatalf("lost = %d", st.Lost)
	}
}

func TestSmallerIdentityOffers(t *testing.T) {
	tr := &PionTransport{self: "peer-a"}
	if !tr.isOfferer("peer-b") {
		t.Fatal("smaller identity should offer")
	}
	tr.self = "peer-c"
	if tr.isOfferer("peer-b") {
		t.Fatal("larger identity should answer")
	}
}
