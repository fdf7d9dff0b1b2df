package dbus

// reassembler implements the stream reassembly state machine of
// spec.md §4.4: one buffer accumulating received fragments and a
// "bytes still due" counter. It turns an arbitrary sequence of socket reads — which may
// split a message across reads or coalesce several messages into one
// read — into a sequence of complete message byte slices.
type reassembler struct {
	pending []byte // bytes accumulated for the message currently being assembled
	due     int    // bytes still needed to complete pending; 0 means "no message in progress"
}

// feed appends a freshly-read fragment and returns every complete
// message it can now extract, in arrival order. Any incomplete
// residue is retained internally for the next call.
func (re *reassembler) feed(fragment []byte) ([][]byte, error) {
	if re.due > 0 {
		re.pending = append(re.pending, fragment...)
		re.due -= len(fragment)
		if re.due > 0 {
			return nil, nil
		}
		re.due = 0
	} else {
		re.pending = append(re.pending, fragment...)
	}

	var out [][]byte
	for {
		if len(re.pending) < 16 {
			if len(re.pending) > 0 {
				re.due = 0
			}
			return out, nil
		}
		want, err := messageLen(re.pending)
		if err != nil {
			return out, err
		}
		if want > len(re.pending) {
			re.due = want - len(re.pending)
			return out, nil
		}
		msg := make([]byte, want)
		copy(msg, re.pending[:want])
		out = append(out, msg)
		re.pending = re.pending[want:]
	}
}
