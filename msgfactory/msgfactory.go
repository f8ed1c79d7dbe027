// Package msgfactory assigns the (msg_id, seq_no) pair every outbound
// message needs, per spec.md §4.2: seq_no steps by 2 for
// content-related bodies (and is odd); acks/pings/containers get the
// current even value and do not step the counter.
package msgfactory

import (
	"sync"

	"github.com/amarnathcjd/mtsession/msgid"
	"github.com/amarnathcjd/mtsession/proto"
)

// Factory wraps a msgid.Generator with the running seq_no counter.
type Factory struct {
	mu    sync.Mutex
	seqNo int32
	ids   *msgid.Generator
}

func New(ids *msgid.Generator) *Factory {
	return &Factory{ids: ids}
}

// Wrap assigns the next msg_id and seq_no for body, per spec.md §4.2.
func (f *Factory) Wrap(body proto.Object) (msgID int64, seqNo int32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	msgID = f.ids.Next()
	if proto.IsContentRelated(body) {
		seqNo = f.seqNo*2 + 1
		f.seqNo++
	} else {
		seqNo = f.seqNo * 2
	}
	return msgID, seqNo
}

// Reset zeroes the seq_no counter. Session.Restart does not call it:
// a restarted session keeps its session_id and seq_no counter.
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqNo = 0
}
