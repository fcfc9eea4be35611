// Package stream manages live speech sessions.
//
// Each websocket connection owns one Session. Inbound sample chunks are
// collected in a raw FrameBuffer; whenever more than the evaluation interval
// has passed since the previous tick, the next frame triggers a tick. A tick
// drains the raw buffer, asks the speech detector whether the chunk contains
// speech and feeds the answer to the Segmenter:
//
//	speech                   -> append to the utterance, Accumulating
//	silence after speech     -> append, Finalized, hand utterance to the Dispatcher
//	silence while idle       -> discard, finalize is a no-op
//
// The Dispatcher drains the utterance buffer, recognizes it through the
// injected Recognizer and writes non-empty text to the session's
// TranscriptSink. On disconnect the owner calls Flush so a trailing utterance
// is still recognized, then Manager.Close.
//
// Session buffers are touched only by the goroutine that owns the
// connection; the Manager's map is the only shared state.
package stream
