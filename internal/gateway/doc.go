// Package gateway implements the hosted auth, relational row access and object
// storage platform the dashboard talks to.
//
// Backend is the platform side: it owns the auth user directory in Postgres,
// issues access tokens, keeps refresh and verification tokens in Redis and
// uploads objects to S3. Client is the per-browser view of the platform: it
// persists the current session through a TokenStorage and announces session
// lifecycle changes on an Emitter.
package gateway
