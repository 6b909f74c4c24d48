package message

// Narrowing helpers never fail: a mismatch, including a nil message, reports
// false.

func AsFrame(m Message) (*Frame, bool) {
	f, ok := m.(*Frame)
	return f, ok && f != nil
}

func AsEncodedFrame(m Message) (*Encoded, bool) {
	e, ok := m.(*Encoded)
	return e, ok && e != nil
}

func AsBuffer(m Message) (*RawBuffer, bool) {
	b, ok := m.(*RawBuffer)
	return b, ok && b != nil
}

func AsPointCloud(m Message) (*PointCloud, bool) {
	p, ok := m.(*PointCloud)
	return p, ok && p != nil
}

func AsRGBD(m Message) (*RGBD, bool) {
	r, ok := m.(*RGBD)
	return r, ok && r != nil
}

func AsGroup(m Message) (*Group, bool) {
	g, ok := m.(*Group)
	return g, ok && g != nil
}

// Is reports whether m's datatype is dt or descends from it.
func Is(m Message, dt Datatype) bool {
	if m == nil {
		return false
	}
	d := m.Datatype()
	return d == dt || d.DescendsFrom(dt)
}
