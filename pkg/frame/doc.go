// Package frame defines the wire format used by the channel server to push
// payloads to its clients over a TCP byte stream.
//
// # Frame Format
//
// # Overview
//
// Goals:
//
//  1. Be self-describing: a reader needs nothing but the stream to find
//     frame boundaries
//  2. Detect builds that disagree about the layout before any payload is
//     interpreted
//  3. Carry enough timing data to measure end-to-end delay
//  4. Let the sender merge several queued payloads into one frame
//
// # Layout
//
// Every frame is a fixed 48 byte header followed by the payload:
//
//	offset size field
//	     0    4 version
//	     4    4 header_size
//	     8    8 index
//	    16    8 generate_timestamp
//	    24    8 send_timestamp
//	    32    8 send_bytes
//	    40    8 length
//	    48    n payload (n == length)
//
// All integers use the host's native byte order. The protocol targets peers
// of the same architecture family; cross-endian peers are not supported.
//
// # Fields
//
//   - version: major<<16 | minor<<8 | patch. A reader rejects any other value.
//   - header_size: the sender's idea of the header size. A reader rejects any
//     other value, which catches layout drift between builds.
//   - index: sequence number of the batch, assigned by the sender at send time.
//   - generate_timestamp: Unix nanoseconds when the (first) payload was produced.
//   - send_timestamp: Unix nanoseconds when the batch was handed to the network.
//   - send_bytes: total bytes (header and payload) the sender has written, up to
//     and including this frame. Strictly increasing.
//   - length: payload bytes that immediately follow the header. No padding.
//
// # Coalescing
//
// Several serialized frames can be merged into one: the first header is kept,
// the other headers are dropped, the payloads are concatenated and length is
// set to their sum. Only the first payload's generate_timestamp survives.
//
// # Example
//
// A single "hello\n" payload on a little-endian host:
//
//	00 02 00 00  30 00 00 00        version 0.2.0, header_size 48
//	07 00 00 00 00 00 00 00         index 7
//	...                             timestamps, send_bytes
//	06 00 00 00 00 00 00 00         length 6
//	68 65 6c 6c 6f 0a               "hello\n"
package frame
