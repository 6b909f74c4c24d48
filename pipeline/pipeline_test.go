package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/c360/depthgraph/device"
	"github.com/c360/depthgraph/device/sim"
	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/metric"
	"github.com/c360/depthgraph/pipeline/flowgraph"
)

// PipelineSuite runs pipelines against a simulated device.
type PipelineSuite struct {
	suite.Suite
	transport *sim.Transport
	broker    *device.Broker
	session   *device.Session
	registry  *metric.MetricsRegistry
	pipeline  *Pipeline
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.transport = sim.New(
		sim.WithDevices(sim.NewDevice("A")),
		sim.WithFPS(200),
		sim.WithFrameSize(4, 2),
	)
	s.broker = device.NewBroker(s.transport)

	sess, err := s.broker.Open(context.Background())
	s.Require().NoError(err)
	s.session = sess

	s.registry = metric.NewMetricsRegistry()
	s.pipeline = New(WithName("test"), WithMetrics(s.registry))
}

func (s *PipelineSuite) TearDownTest() {
	_ = s.pipeline.Close()
	s.session.Release()
}

func (s *PipelineSuite) create(kind NodeKind, alias string) *Node {
	n, err := s.pipeline.Create(kind, alias)
	s.Require().NoError(err)
	return n
}

// stereoGraph links two mono cameras into a StereoDepth node.
func (s *PipelineSuite) stereoGraph() *Node {
	left := s.create(MonoCamera, "left")
	right := s.create(MonoCamera, "right")
	stereo := s.create(StereoDepth, "stereo")
	_, err := s.pipeline.Link(left, Any(), stereo, ByName("left"))
	s.Require().NoError(err)
	_, err = s.pipeline.Link(right, Any(), stereo, ByName("right"))
	s.Require().NoError(err)
	return stereo
}

func (s *PipelineSuite) TestCreate_DefaultAliasAndPorts() {
	cam := s.create(Camera, "")
	s.Equal("camera1", cam.Alias())

	found, ok := s.pipeline.NodeByAlias("camera1")
	s.True(ok)
	s.Same(cam, found)

	video, ok := cam.Output("", "video")
	s.Require().True(ok)
	s.Equal("camera1.video", video.FullName())

	ctrl, ok := cam.Input("", "inputControl")
	s.Require().True(ok)
	s.Equal(4, ctrl.QueueSize(), "device inputs use the device queue size")
	s.False(ctrl.Blocking())

	host := s.create(HostNode, "host")
	in, err := host.RequestInput("frames")
	s.Require().NoError(err)
	s.Equal(DefaultQueueSize, in.QueueSize())
	s.True(in.Blocking())
	s.Equal("host.inputs[frames]", in.FullName())
}

func (s *PipelineSuite) TestCreate_CompositeSubnodes() {
	rgbd := s.create(RGBD, "rgbd")

	sync, ok := rgbd.Subnode("sync")
	s.Require().True(ok)
	s.Equal(Sync, sync.Kind())
	s.Same(rgbd, sync.Parent())

	m, ok := sync.InputMap(InputsMap)
	s.Require().True(ok)
	var names []string
	for _, in := range m.Entries() {
		names = append(names, in.Name())
		s.True(in.Required())
	}
	s.Equal([]string{"inColor", "inDepth"}, names)

	s.Len(s.pipeline.Nodes(), 1)
	err := s.pipeline.RemoveNode(sync)
	s.ErrorIs(err, errors.ErrInvalidHandle)
}

func (s *PipelineSuite) TestBuild_UnlinkedRequiredInput() {
	s.create(StereoDepth, "stereo")

	result, err := s.pipeline.Build()
	s.Require().Error(err)
	s.ErrorIs(err, ErrUnlinkedInput)
	s.True(errors.IsInvalid(err))
	s.Equal(StateFailed, s.pipeline.State())
	s.Require().NotNil(result)
	s.Len(result.RequiredOrphans(), 2)

	s.Require().NoError(s.pipeline.RemoveNode(s.pipeline.Nodes()[0]))
	s.Equal(StateCreated, s.pipeline.State(), "graph changes clear a failed build")
}

func (s *PipelineSuite) TestBuild_LinkedGraph() {
	s.stereoGraph()

	result, err := s.pipeline.Build()
	s.Require().NoError(err)
	s.Equal(StateBuilt, s.pipeline.State())
	s.NotEqual(flowgraph.StatusErrors, result.ValidationStatus)
	s.Len(result.Edges, 2)

	s.create(HostNode, "late")
	s.Equal(StateCreated, s.pipeline.State())
}

func (s *PipelineSuite) TestFlowGraph_CompositeEdges() {
	stereo := s.stereoGraph()
	rgbd := s.create(RGBD, "rgbd")
	_, err := s.pipeline.Link(stereo, ByName("depth"), rgbd, ByName("inDepth"))
	s.Require().NoError(err)

	graph, err := s.pipeline.FlowGraph()
	s.Require().NoError(err)

	var found bool
	for _, e := range graph.GetEdges() {
		if e.From.NodeName == graphName(stereo) && e.From.PortKey == "depth" {
			found = true
			s.Equal("inputs[inDepth]", e.To.PortKey)
		}
	}
	s.True(found, "stereo depth edge present")
}

func (s *PipelineSuite) TestStart_ClosedSession() {
	s.stereoGraph()
	s.Require().NoError(s.session.Close())

	err := s.pipeline.Start(context.Background(), s.session)
	s.ErrorIs(err, errors.ErrInvalidHandle)
	s.False(s.pipeline.IsRunning())

	err = s.pipeline.Start(context.Background(), nil)
	s.ErrorIs(err, errors.ErrInvalidHandle)
}

func (s *PipelineSuite) TestStart_BuildFailure() {
	s.create(StereoDepth, "stereo")

	err := s.pipeline.Start(context.Background(), s.session)
	s.ErrorIs(err, ErrUnlinkedInput)
	s.Equal(1, s.session.RefCount(), "no handle held after a failed start")
}

func (s *PipelineSuite) TestStartStop_StreamsToConsumerQueue() {
	cam := s.create(Camera, "cam")
	enc := s.create(VideoEncoder, "enc")
	_, err := s.pipeline.Link(cam, Any(), enc, Any())
	s.Require().NoError(err)

	out, ok := enc.Output("", "out")
	s.Require().True(ok)
	q, err := out.CreateQueue(8, false)
	s.Require().NoError(err)

	s.Require().NoError(s.pipeline.Start(context.Background(), s.session))
	s.True(s.pipeline.IsRunning())
	s.Equal(2, s.session.RefCount(), "pipeline holds its own handle")
	s.Equal(float64(StateRunning),
		testutil.ToFloat64(s.registry.CoreMetrics().PipelineState.WithLabelValues("test")))

	frame, err := q.GetEncodedFrame(2 * time.Second)
	s.Require().NoError(err)
	s.Equal(message.ProfileAVC, frame.Profile)

	input, _ := enc.Input("", "input")
	s.Eventually(func() bool { return input.Queue().Has() }, 2*time.Second, 5*time.Millisecond,
		"camera frames reach the encoder input")

	s.Require().NoError(s.pipeline.Stop(time.Second))
	s.Equal(StateStopped, s.pipeline.State())
	s.Equal(1, s.session.RefCount())
	s.ErrorIs(s.pipeline.Stop(time.Second), errors.ErrNotStarted)
}

func (s *PipelineSuite) TestMutationWhileRunning() {
	cam := s.create(Camera, "cam")
	enc := s.create(VideoEncoder, "enc")
	_, err := s.pipeline.Link(cam, Any(), enc, Any())
	s.Require().NoError(err)
	s.Require().NoError(s.pipeline.Start(context.Background(), s.session))

	_, err = s.pipeline.Create(HostNode, "late")
	s.ErrorIs(err, errors.ErrAlreadyStarted)
	_, err = s.pipeline.Unlink(cam, Any(), enc, Any())
	s.ErrorIs(err, errors.ErrAlreadyStarted)
	s.ErrorIs(s.pipeline.RemoveNode(enc), errors.ErrAlreadyStarted)
	s.ErrorIs(s.pipeline.Start(context.Background(), s.session), errors.ErrAlreadyStarted)

	s.Require().NoError(s.pipeline.Stop(time.Second))
	_, err = s.pipeline.Unlink(cam, Any(), enc, Any())
	s.NoError(err, "stopped pipelines accept changes")
}

func (s *PipelineSuite) TestRemoveNode() {
	cam := s.create(Camera, "cam")
	enc := s.create(VideoEncoder, "enc")
	_, err := s.pipeline.Link(cam, Any(), enc, Any())
	s.Require().NoError(err)
	out, _ := enc.Output("", "out")
	q, err := out.CreateQueue(2, false)
	s.Require().NoError(err)

	s.Require().NoError(s.pipeline.RemoveNode(enc))
	s.Empty(s.pipeline.Connections())
	s.True(q.IsClosed())

	video, _ := cam.Output("", "video")
	s.False(video.HasConsumers())
	_, ok := s.pipeline.NodeByAlias("enc")
	s.False(ok)
	s.Equal(float64(0), testutil.ToFloat64(s.registry.CoreMetrics().Connections))

	s.ErrorIs(s.pipeline.RemoveNode(enc), errors.ErrInvalidHandle)
}

func (s *PipelineSuite) TestEmit() {
	cam := s.create(Camera, "cam")
	video, _ := cam.Output("", "video")
	q, err := video.CreateQueue(1, false)
	s.Require().NoError(err)

	frame := message.NewFrame(4, 2, message.FrameRGB888i, make([]byte, 24))
	s.ErrorIs(s.pipeline.Emit(context.Background(), video, frame), errors.ErrNotStarted)

	other := New(WithName("other"))
	defer other.Close()
	s.ErrorIs(other.Emit(context.Background(), video, frame), errors.ErrInvalidHandle)

	s.Require().NoError(s.pipeline.Start(context.Background(), s.session))
	s.Require().NoError(s.pipeline.Emit(context.Background(), video, frame))
	got, err := q.GetFrame(time.Second)
	s.Require().NoError(err)
	s.Equal(4, got.Width)
}

func (s *PipelineSuite) TestClose() {
	cam := s.create(Camera, "cam")
	video, _ := cam.Output("", "video")
	q, err := video.CreateQueue(2, true)
	s.Require().NoError(err)
	s.Require().NoError(s.pipeline.Start(context.Background(), s.session))

	s.Require().NoError(s.pipeline.Close())
	s.False(s.pipeline.IsRunning())
	s.True(q.IsClosed())
	s.Equal(1, s.session.RefCount())

	_, err = s.pipeline.Create(Camera, "again")
	s.ErrorIs(err, errors.ErrAlreadyStopped)
	s.NoError(s.pipeline.Close(), "close is idempotent")
}

func TestOutputSend_TypeChecks(t *testing.T) {
	p := newPipeline(t)
	cam := create(t, p, Camera, "cam")
	video, _ := cam.Output("", "video")

	err := video.Send(context.Background(), nil)
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	err = video.Send(context.Background(), message.NewBuffer([]byte{1}))
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	q, err := video.CreateQueue(1, false)
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, video.Send(context.Background(), message.NewFrame(1, 1, message.FrameGRAY8, []byte{0})))
	assert.Empty(t, video.Queues(), "closed queues are detached on send")
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateBuilt, "built"},
		{StateRunning, "running"},
		{StateStopped, "stopped"},
		{StateFailed, "failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestParseNodeKind(t *testing.T) {
	kind, ok := ParseNodeKind("stereodepth")
	assert.True(t, ok)
	assert.Equal(t, StereoDepth, kind)

	_, ok = ParseNodeKind("toaster")
	assert.False(t, ok)

	assert.True(t, HostNode.IsHost())
	assert.False(t, Camera.IsHost())
	assert.True(t, Camera.OnDevice())
	assert.False(t, ThreadedHostNode.OnDevice())
}
