package queue

import (
	"time"

	"github.com/c360/depthgraph/message"
)

// Typed getters wait like GetWithTimeout and then narrow. A message of
// another type is consumed and reported as not present: (nil, nil).

func narrow[T any](msg message.Message, err error, as func(message.Message) (T, bool)) (T, error) {
	var zero T
	if err != nil || msg == nil {
		return zero, err
	}
	v, ok := as(msg)
	if !ok {
		return zero, nil
	}
	return v, nil
}

func tryNarrow[T any](msg message.Message, ok bool, err error, as func(message.Message) (T, bool)) (T, error) {
	var zero T
	if err != nil || !ok {
		return zero, err
	}
	return narrow(msg, nil, as)
}

// GetFrame waits for the next message and returns it if it is an image frame.
func (q *Queue) GetFrame(timeout time.Duration) (*message.Frame, error) {
	msg, err := q.GetWithTimeout(timeout)
	return narrow(msg, err, message.AsFrame)
}

func (q *Queue) TryGetFrame() (*message.Frame, error) {
	msg, ok, err := q.TryGet()
	return tryNarrow(msg, ok, err, message.AsFrame)
}

// GetEncodedFrame waits for the next message and returns it if it is an
// encoded frame.
func (q *Queue) GetEncodedFrame(timeout time.Duration) (*message.Encoded, error) {
	msg, err := q.GetWithTimeout(timeout)
	return narrow(msg, err, message.AsEncodedFrame)
}

func (q *Queue) TryGetEncodedFrame() (*message.Encoded, error) {
	msg, ok, err := q.TryGet()
	return tryNarrow(msg, ok, err, message.AsEncodedFrame)
}

// GetBuffer waits for the next message and returns it if it is a raw buffer.
func (q *Queue) GetBuffer(timeout time.Duration) (*message.RawBuffer, error) {
	msg, err := q.GetWithTimeout(timeout)
	return narrow(msg, err, message.AsBuffer)
}

// GetGroup waits for the next message and returns it if it is a message group.
func (q *Queue) GetGroup(timeout time.Duration) (*message.Group, error) {
	msg, err := q.GetWithTimeout(timeout)
	return narrow(msg, err, message.AsGroup)
}

func asPointCloudView(m message.Message) (*message.PointCloudView, bool) {
	p, ok := message.AsPointCloud(m)
	if !ok {
		return nil, false
	}
	return message.NewPointCloudView(p), true
}

func asRGBDView(m message.Message) (*message.RGBDView, bool) {
	r, ok := message.AsRGBD(m)
	if !ok {
		return nil, false
	}
	return message.NewRGBDView(r), true
}

// GetPointCloud waits for the next message and, if it is a point cloud,
// returns a view owning its flattened points. Release the view when done.
func (q *Queue) GetPointCloud(timeout time.Duration) (*message.PointCloudView, error) {
	msg, err := q.GetWithTimeout(timeout)
	return narrow(msg, err, asPointCloudView)
}

func (q *Queue) TryGetPointCloud() (*message.PointCloudView, error) {
	msg, ok, err := q.TryGet()
	return tryNarrow(msg, ok, err, asPointCloudView)
}

// GetRGBD waits for the next message and, if it is an RGBD pair, returns a
// view holding the colour/depth split. Release the view when done.
func (q *Queue) GetRGBD(timeout time.Duration) (*message.RGBDView, error) {
	msg, err := q.GetWithTimeout(timeout)
	return narrow(msg, err, asRGBDView)
}

func (q *Queue) TryGetRGBD() (*message.RGBDView, error) {
	msg, ok, err := q.TryGet()
	return tryNarrow(msg, ok, err, asRGBDView)
}
