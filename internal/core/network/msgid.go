package network

import (
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	mh "github.com/multiformats/go-multihash"
)

// MessageID keys gossip deduplication on the message content, so the same
// envelope relayed by two peers is delivered once.
func MessageID(pmsg *pb.Message) string {
	sum, err := mh.Sum(pmsg.GetData(), mh.SHA2_256, -1)
	if err != nil {
		return string(pmsg.GetFrom()) + string(pmsg.GetSeqno())
	}
	return sum.B58String()
}
