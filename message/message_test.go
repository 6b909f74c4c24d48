package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depthgraph/errors"
)

func TestDatatypeTags(t *testing.T) {
	tests := []struct {
		dt   Datatype
		tag  int
		name string
	}{
		{ADatatype, 0, "ADatatype"},
		{Buffer, 1, "Buffer"},
		{ImgFrame, 2, "ImgFrame"},
		{EncodedFrame, 3, "EncodedFrame"},
		{MessageGroup, 25, "MessageGroup"},
		{PointCloudData, 28, "PointCloudData"},
		{RGBDData, 29, "RGBDData"},
		{CoverageData, 38, "CoverageData"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.tag, int(tt.dt))
			assert.Equal(t, tt.name, tt.dt.String())
			parsed, ok := ParseDatatype(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.dt, parsed)
		})
	}

	assert.False(t, Datatype(39).Valid())
	assert.Equal(t, "Datatype(-1)", Datatype(-1).String())
	_, ok := ParseDatatype("NotAType")
	assert.False(t, ok)
}

func TestDatatypeHierarchy(t *testing.T) {
	_, ok := ADatatype.Parent()
	assert.False(t, ok, "root has no parent")

	p, ok := Buffer.Parent()
	require.True(t, ok)
	assert.Equal(t, ADatatype, p)

	p, ok = ImgFrame.Parent()
	require.True(t, ok)
	assert.Equal(t, Buffer, p)

	assert.True(t, ImgFrame.DescendsFrom(Buffer))
	assert.True(t, ImgFrame.DescendsFrom(ADatatype))
	assert.False(t, ImgFrame.DescendsFrom(ImgFrame), "descent is strict")
	assert.False(t, Buffer.DescendsFrom(ImgFrame))
}

func TestCanConnect(t *testing.T) {
	tests := []struct {
		name string
		out  TypeSet
		in   TypeSet
		want bool
	}{
		{"equal", Types(ImgFrame), Types(ImgFrame), true},
		{"disjoint", Types(ImgFrame), Types(EncodedFrame), false},
		{"input accepts descendants", Types(ImgFrame), TypeSet{{Buffer, true}}, true},
		{"input exact parent", Types(ImgFrame), Types(Buffer), false},
		{"output accepts descendants", TypeSet{{Buffer, true}}, Types(RGBDData), true},
		{"root descendants", Types(PointCloudData), TypeSet{{ADatatype, true}}, true},
		{"one of many", Types(NNData, ImgFrame), Types(EncodedFrame, ImgFrame), true},
		{"empty", nil, Types(ImgFrame), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanConnect(tt.out, tt.in))
		})
	}
}

func TestTypeSetAccepts(t *testing.T) {
	set := TypeSet{{ImgFrame, false}, {Buffer, true}}
	assert.True(t, set.Accepts(ImgFrame))
	assert.True(t, set.Accepts(EncodedFrame))
	assert.True(t, set.Accepts(Buffer))
	assert.False(t, set.Accepts(ADatatype))
	assert.Equal(t, "[ImgFrame, Buffer+]", set.String())
}

func TestNarrowing(t *testing.T) {
	frame := NewFrame(4, 2, FrameGRAY8, make([]byte, 8))
	var msg Message = frame

	f, ok := AsFrame(msg)
	require.True(t, ok)
	assert.Same(t, frame, f)

	_, ok = AsPointCloud(msg)
	assert.False(t, ok)
	_, ok = AsRGBD(msg)
	assert.False(t, ok)
	_, ok = AsEncodedFrame(msg)
	assert.False(t, ok)
	_, ok = AsFrame(nil)
	assert.False(t, ok)

	var nilFrame *Frame
	_, ok = AsFrame(nilFrame)
	assert.False(t, ok, "typed nil narrows to not present")

	assert.True(t, Is(msg, Buffer))
	assert.True(t, Is(msg, ImgFrame))
	assert.False(t, Is(msg, EncodedFrame))
	assert.False(t, Is(nil, Buffer))
}

func TestMessageHeader(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewBuffer([]byte("x"), WithTime(ts), WithSequence(7))
	b := NewBuffer([]byte("y"))

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, ts, a.Timestamp())
	assert.Equal(t, int64(7), a.Sequence())
	assert.Equal(t, Buffer, a.Datatype())

	a.SetData([]byte("z"))
	assert.Equal(t, []byte("z"), a.Data())
}

func TestFrameStride(t *testing.T) {
	assert.Equal(t, 12, NewFrame(4, 1, FrameRGB888i, nil).Stride)
	assert.Equal(t, 8, NewFrame(4, 1, FrameRAW16, nil).Stride)
	assert.Equal(t, 0, NewFrame(4, 1, FrameNV12, nil).Stride)
}

func TestEncodedBytes(t *testing.T) {
	data := []byte("headerFRAMEtrailer")

	e := NewEncodedFrame(ProfileAVC, FrameI, data)
	assert.Equal(t, data, e.Bytes())

	e.FrameOffset, e.FrameSize = 6, 5
	assert.Equal(t, []byte("FRAME"), e.Bytes())

	e.FrameOffset, e.FrameSize = 15, 10
	assert.Equal(t, data, e.Bytes(), "out-of-range slice falls back to the whole buffer")

	assert.Contains(t, e.String(), "AVC")
	assert.Equal(t, "Unknown", FrameUnknown.String())
}

func TestPackRGBA32(t *testing.T) {
	assert.Equal(t, uint32(0x11223344), PackRGBA32(0x11, 0x22, 0x33, 0x44))
	p := Point3fRGBA{R: 0xff, A: 0x01}
	assert.Equal(t, uint32(0xff000001), p.RGBA32())
}

func TestGroup(t *testing.T) {
	g := NewGroup()
	frame := NewFrame(1, 1, FrameGRAY8, []byte{1})
	buf := NewBuffer([]byte("meta"))

	g.Add("rgb", frame)
	g.Add("meta", buf)
	g.Add("gone", buf)
	g.Add("gone", nil)

	assert.Equal(t, 2, g.Len())
	assert.Equal(t, []string{"meta", "rgb"}, g.Names())

	f, ok := g.Frame("rgb")
	require.True(t, ok)
	assert.Same(t, frame, f)

	_, ok = g.Frame("meta")
	assert.False(t, ok)
	b, ok := g.Buffer("meta")
	require.True(t, ok)
	assert.Same(t, buf, b)
	_, ok = g.Buffer("missing")
	assert.False(t, ok)
}

func TestPointCloudView(t *testing.T) {
	points := []Point3fRGBA{{X: 1}, {X: 2}, {X: 3}, {X: 4}}
	cloud := NewPointCloud(2, 2, points)
	assert.True(t, cloud.Organized)

	view := NewPointCloudView(cloud)
	require.NotNil(t, view)
	assert.Equal(t, 4, view.Len())

	points[0].X = 99
	assert.Equal(t, float32(1), view.Points()[0].X, "view owns its copy")

	view.Release()
	view.Release()
	assert.True(t, view.Released())
	assert.Nil(t, view.Points())
	assert.Same(t, cloud, view.Message())

	assert.Nil(t, NewPointCloudView(nil))
	assert.False(t, NewPointCloud(4, 1, points).Organized)
}

func TestRGBDView(t *testing.T) {
	color := NewFrame(2, 2, FrameRGB888i, make([]byte, 12))
	depth := NewFrame(2, 2, FrameRAW16, make([]byte, 8))
	view := NewRGBDView(NewRGBD(color, depth, DepthMillimeter))

	assert.Same(t, color, view.Color())
	assert.Same(t, depth, view.Depth())
	assert.Equal(t, DepthMillimeter, view.Unit())

	view.Release()
	assert.Nil(t, view.Color())
	assert.Nil(t, view.Depth())
	assert.True(t, view.Released())
}

func TestEnvelopeFrame(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	frame := NewFrame(2, 1, FrameRGB888i, []byte{1, 2, 3, 4, 5, 6}, WithTime(ts), WithSequence(42))

	for _, compress := range []bool{false, true} {
		env, err := NewEnvelope(frame, "preview", compress)
		require.NoError(t, err)
		assert.Equal(t, "ImgFrame", env.Type)
		assert.Equal(t, "preview", env.Queue)

		data, err := env.Marshal()
		require.NoError(t, err)

		parsed, err := ParseEnvelope(data)
		require.NoError(t, err)
		msg, err := parsed.Message()
		require.NoError(t, err)

		got, ok := AsFrame(msg)
		require.True(t, ok)
		assert.Equal(t, frame.ID(), got.ID())
		assert.Equal(t, int64(42), got.Sequence())
		assert.True(t, ts.Equal(got.Timestamp()))
		assert.Equal(t, frame.Data, got.Data)
		assert.Equal(t, frame.Stride, got.Stride)
	}
}

func TestEnvelopeGroupAndRGBD(t *testing.T) {
	g := NewGroup()
	g.Add("raw", NewBuffer([]byte("abc")))
	g.Add("rgbd", NewRGBD(NewFrame(1, 1, FrameGRAY8, []byte{9}), nil, DepthMeter))
	g.Add("imu", NewGeneric(IMUData, []byte{1, 2}))

	env, err := NewEnvelope(g, "", true)
	require.NoError(t, err)
	msg, err := env.Message()
	require.NoError(t, err)

	got, ok := AsGroup(msg)
	require.True(t, ok)
	assert.Equal(t, []string{"imu", "raw", "rgbd"}, got.Names())

	b, ok := got.Buffer("raw")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), b.Data())

	sub, _ := got.Get("rgbd")
	rgbd, ok := AsRGBD(sub)
	require.True(t, ok)
	require.NotNil(t, rgbd.Color)
	assert.Nil(t, rgbd.Depth)
	assert.NotEmpty(t, rgbd.Color.ID())

	imu, _ := got.Get("imu")
	assert.Equal(t, IMUData, imu.Datatype())
}

func TestEnvelopeErrors(t *testing.T) {
	_, err := NewEnvelope(nil, "", false)
	assert.True(t, errors.IsInvalid(err))

	_, err = ParseEnvelope([]byte("{not json"))
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = (&Envelope{Type: "Bogus"}).Message()
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = (&Envelope{Type: "ImgFrame", Compressed: true, Data: []byte("garbage")}).Message()
	assert.Error(t, err)
}
