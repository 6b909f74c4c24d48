// Package config loads the depthgraph CLI configuration.
//
// A configuration is YAML or JSON, chosen by file extension, decoded over
// Default. Layers added to a Loader are applied in order, so a site file can
// override a base file. DEPTHGRAPH_* environment variables are applied last.
//
//	pipeline:
//	  name: stereo
//	  nodes:
//	    - {alias: left, kind: MonoCamera}
//	    - {alias: right, kind: MonoCamera}
//	    - {alias: stereo, kind: StereoDepth}
//	  links:
//	    - {from: left, to: stereo.left}
//	    - {from: right, to: stereo.right}
//	  consumers:
//	    - {output: stereo.depth, queue_size: 4, taps: [preview]}
//	preview:
//	  enabled: true
//
// Port references take three forms: "alias" lets the linker choose,
// "alias.port" names an ungrouped port and "alias.group[port]" names an
// entry of a port map.
//
// Validate runs go-playground/validator struct tags, including the custom
// "nodekind" and "portref" tags, followed by cross-reference checks. All
// failures wrap errors.ErrInvalidConfig.
package config
