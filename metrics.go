// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package nrpc

import "expvar"

// peerCounters record peer activity.
type peerCounters struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int
	callIn        expvar.Int // number of inbound calls received
	callInErr     expvar.Int // number of inbound calls reporting an error
	callOut       expvar.Int // number of outbound calls initiated
	callOutErr    expvar.Int // number of outbound calls reporting an error
	cancelIn      expvar.Int // number of cancellations received
	callActive    expvar.Int // inbound
	callPending   expvar.Int // outbound

	emap *expvar.Map
}

var peerMetrics = newPeerCounters()

func newPeerCounters() *peerCounters {
	pm := &peerCounters{emap: new(expvar.Map)}
	pm.emap.Set("packets_received", &pm.packetRecv)
	pm.emap.Set("packets_sent", &pm.packetSent)
	pm.emap.Set("packets_dropped", &pm.packetDropped)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("cancels_in", &pm.cancelIn)
	pm.emap.Set("calls_pending", &pm.callPending)
	return pm
}

// serverCounters record argument handling by a Server.
type serverCounters struct {
	dispatched    expvar.Int // calls routed to a method
	decodeFailed  expvar.Int // request payloads the codec rejected
	argFailed     expvar.Int // arguments that did not fit the method signature
	handlerPanics expvar.Int // method panics recovered
	encodeFailed  expvar.Int // results the codec could not encode

	emap *expvar.Map
}

func newServerCounters() *serverCounters {
	sm := &serverCounters{emap: new(expvar.Map)}
	sm.emap.Set("calls_dispatched", &sm.dispatched)
	sm.emap.Set("decode_failed", &sm.decodeFailed)
	sm.emap.Set("argument_failed", &sm.argFailed)
	sm.emap.Set("handler_panics", &sm.handlerPanics)
	sm.emap.Set("encode_failed", &sm.encodeFailed)
	return sm
}
