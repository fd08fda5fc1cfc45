// Package stream republishes matched log entries as Server-Sent Events.
//
// One Hub tails the log for the whole process and fans entries out to a
// queue per connection. A connection that presents Last-Event-ID first
// replays the backlog between that id and the hub head captured when it
// subscribed, then continues with live entries, so nothing is skipped or
// sent twice.
//
//	GET {base}/changes/stream?resources=post,comment&title=hello&limit=10
//	Last-Event-ID: 1700000000_3
package stream
