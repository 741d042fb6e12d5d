// Package app contains the core application logic. It defines the main App
// struct, its configuration, and the primary execution lifecycle, decoupled
// from any specific entrypoint like a CLI or server.
//
// One binary plays every part of a job: the controller, a worker, or, with
// Local, the whole job inside one process.
package app
