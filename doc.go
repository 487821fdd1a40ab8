// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package spice implements a SPICE remote display client library for Go.
//
// A Session owns a main channel and the display, inputs, cursor, playback and
// port channels the server announces. Each channel runs its own event loop;
// handlers never block it, and long decodes complete asynchronously.
//
// # Basic Usage
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	dialer, err := spice.DialURI("localhost:5900", 10*time.Second)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	session, err := spice.Connect(ctx,
//		spice.WithDialer(dialer),
//		spice.WithPassword("secret"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.Close()
//
// # Display
//
// Surfaces are drawn into Drawables supplied by a Presenter. The default
// MemoryPresenter keeps them in memory:
//
//	img, err := session.Snapshot(ctx, 0)
//
// Video streams use MJPEG natively. VP8 is re-framed as WebM for a
// MediaSinkProvider (NewWebMRecorder writes it to disk) and H264 is handed to
// a VideoDecoderProvider.
//
// # Input Events
//
//	inputs := session.Inputs()
//	inputs.KeyDown(0x1e) // 'a'
//	inputs.KeyUp(0x1e)
//	inputs.MouseMove(100, 100, 0, 0, 0)
//	inputs.MousePress(spice.MouseButtonLeft)
//	inputs.MouseRelease(spice.MouseButtonLeft)
//
// # Error Handling
//
//	if spice.IsSpiceError(err, spice.ErrAuthentication) {
//		log.Printf("Authentication failed: %v", err)
//	}
//
// Only errors for which IsFatal reports true close a channel. Decode
// failures and cache misses are logged and the channel keeps running.
package spice
