// Package events defines the typed narration event contract.
//
// Event kinds are grouped by receiver-facing namespaces:
//
//   - block.*
//   - mixer.*
//   - response.*
//   - system.*
//
// block events
//
//   - BlockCreated (block.created): a source event was accepted and a block
//     was stored as pending.
//   - BlockTTSReady (block.tts_ready): speech for the block was generated and
//     the block is ready to play.
//   - BlockSkipped (block.skipped): the block will never play; carries the
//     reason (generation_failed, superseded, user).
//   - BlockPlaying (block.playing): the block was handed to the mixer.
//   - BlockPlayed (block.played): playback of the block finished.
//   - BlockAwaitingResponse (block.awaiting_response): a blocking block played
//     and playback holds until it is answered.
//   - BlockRepeated (block.repeated): a blocking block timed out without an
//     answer and was announced again.
//
// mixer events
//
//   - MixerUnavailable (mixer.unavailable): the control connection dropped.
//     Published once per disconnect.
//   - MixerRecovered (mixer.recovered): the control connection is back;
//     carries how many commands were dropped meanwhile.
//
// response events
//
//   - ResponseRouted (response.routed): a user response reached its source.
//   - ResponsePending (response.pending): the source was unavailable and the
//     response is retained for redelivery.
//   - ResponseExpired (response.expired): a retained response outlived its
//     correlation window and was discarded.
//
// system events
//
//   - SystemDegraded (system.degraded): something failed in a way the listener
//     can hear, such as a block skipped after synthesis failures.
package events
