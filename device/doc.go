// Package device manages exclusive connections to imaging devices.
//
// A Broker opens Sessions over a Transport. Sessions are reference-counted
// handles: Open reuses the broker's default connection while any handle on
// it is alive, Clone adds a handle, and Release drops one. The last Release
// closes the connection, swallowing close failures.
//
//	broker := device.NewBroker(transport, device.WithMetrics(registry))
//	sess, err := broker.Open(ctx)
//	if err != nil {
//	    var inUse *errors.DeviceInUseError
//	    if stderrors.As(err, &inUse) {
//	        // inUse.Count devices are connected but claimed
//	    }
//	    return err
//	}
//	defer sess.Release()
//
// Open probes device states in ProbeOrder and never uses AnyState for
// selection. When nothing is found it reports errors.ErrDeviceUnavailable
// for an empty bus and *errors.DeviceInUseError when devices exist but are
// all claimed.
//
// Connections that also implement Producer can drive device-side outputs of
// a running pipeline. See the sim package for an in-process implementation.
package device
