// Package ingest turns RTMP origin callbacks into camera lifecycle
// operations.
//
// The origin (nginx-rtmp or SRS with HTTP callbacks) posts the stream name a
// camera publishes under. Names have the form "<owner>-cam<index>". A publish
// registers the camera as pending, an update refreshes its keep-alive, and a
// publish_done closes it and stops the owner's broadcast when nothing remains
// on air.
//
// Callbacks are authenticated with a shared token passed either as a bearer
// header or a token query parameter, since the origin's callback URL is the
// only thing an operator can configure there.
package ingest
