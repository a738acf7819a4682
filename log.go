package orderwire

// Logging convention in the `orderwire` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of infrequent lifecycle data that
//     is useful for monitoring
//     this includes:
//     - reconnect attempts and backoff exhaustion
//     - mutation evictions (permanent replay failure)
//     - per-collection fetch failures during a refresh
// Warning:
//     unexpected panics even if handled and suppressed for partial operation
// V(2):
//     key events for trace debugging
//     this includes:
//     - frequent events - enqueue, drain, per-message receive, per-collection
//       refresh - tagged with short ids that can be used to filter
//
// tags: [pc] push channel, [sc] sync coordinator, [q] mutation queue,
// [cm] connectivity monitor
