package sim

import (
	"strings"
	"time"

	"github.com/c360/depthgraph/message"
)

// generator builds synthetic payloads. Content is a deterministic function
// of the sequence number so tests can check ordering.
type generator struct {
	width  int
	height int
}

// keyframeInterval is the distance between synthetic I-frames.
const keyframeInterval = 30

func (g generator) generate(dt message.Datatype, output string, seq int64) message.Message {
	opts := []message.Option{message.WithSequence(seq), message.WithTime(time.Now())}

	switch dt {
	case message.ImgFrame:
		if isDepthOutput(output) {
			return g.depth(seq, opts...)
		}
		return g.color(seq, opts...)
	case message.EncodedFrame:
		ft := message.FrameP
		if seq%keyframeInterval == 0 {
			ft = message.FrameI
		}
		enc := message.NewEncodedFrame(message.ProfileAVC, ft, fill(256+int(seq%64), seq), opts...)
		enc.Width, enc.Height = g.width, g.height
		enc.Quality = 80
		enc.Bitrate = 8_000_000
		return enc
	case message.PointCloudData:
		return g.pointCloud(seq, opts...)
	case message.RGBDData:
		return message.NewRGBD(g.color(seq), g.depth(seq), message.DepthMillimeter, opts...)
	case message.MessageGroup:
		group := message.NewGroup(opts...)
		group.Add("color", g.color(seq))
		group.Add("depth", g.depth(seq))
		return group
	case message.Buffer:
		return message.NewBuffer(fill(64, seq), opts...)
	default:
		return message.NewGeneric(dt, fill(64, seq), opts...)
	}
}

func (g generator) color(seq int64, opts ...message.Option) *message.Frame {
	return message.NewFrame(g.width, g.height, message.FrameRGB888i, fill(g.width*g.height*3, seq), opts...)
}

func (g generator) depth(seq int64, opts ...message.Option) *message.Frame {
	return message.NewFrame(g.width, g.height, message.FrameRAW16, fill(g.width*g.height*2, seq), opts...)
}

func (g generator) pointCloud(seq int64, opts ...message.Option) *message.PointCloud {
	points := make([]message.Point3fRGBA, g.width*g.height)
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			shade := uint8((x + y + int(seq)) % 256)
			points[y*g.width+x] = message.Point3fRGBA{
				X: float32(x) / float32(g.width),
				Y: float32(y) / float32(g.height),
				Z: 1 + float32(seq%10)/10,
				R: shade, G: shade, B: shade, A: 255,
			}
		}
	}
	return message.NewPointCloud(g.width, g.height, points, opts...)
}

func isDepthOutput(name string) bool {
	return strings.Contains(name, "depth") || strings.Contains(name, "disparity")
}

func fill(n int, seq int64) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(int64(i) + seq)
	}
	return data
}
