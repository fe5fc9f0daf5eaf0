/*
Package events provides the subscribable event bus described in the core's
external-interfaces contract (§6 "Events bus"): once attached via
Server.AttachBroker, it mirrors the TermStarted, TermFinished and
MetadataUpdated notifications the Server pushes directly into RSM
runtimes, for subscribers that are not registered RSMs. RSM runtimes
themselves do not subscribe to it. Delivery is non-blocking,
buffered-channel pub/sub, matching
the cooperative single-threaded model the rest of the core uses: a slow or
stopped subscriber never blocks the publisher.
*/
package events
