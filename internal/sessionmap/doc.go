package sessionmap

// The Data-Plane Contract is specified, not implemented, by this package:
// a kernel XDP classifier attaches to the pinned "pinhole_sessions" and
// "pinhole_globals" maps created by NewEbpfMap and, for each received IPv4
// packet, computes:
//
//   - dst_port == globals.ControllerPort && src_ip == globals.ControllerIP
//     => PASS, no lookup.
//   - else key = (dst_ip, src_ip, dst_port); lookup in sessions:
//     miss => DROP.
//     hit, now-last_seen_ns >= globals.LazyUpdateTimeout => write
//     last_seen_ns := now in place, then PASS.
//     hit, otherwise => PASS without writing.
//
// Non-IPv4, malformed, or non-TCP/UDP packets must not modify the map.
// Loading and attaching the classifier itself is out of scope.
