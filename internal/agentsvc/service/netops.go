// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements the agent's ad hoc network-probing RPCs (spec.md
// §6): DNS lookups via miekg/dns (the same client the netutil protocol
// driver uses), and host reachability/traceroute/port-scan probes. Probes
// are independent, one-off operations distinct from the periodic,
// monitoring-package-driven netutil data table.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/tombee/fleetbroker/pkg/errors"
)

var dnsClient = &dns.Client{Timeout: 5 * time.Second}

func resolverOrDefault(server string) string {
	if server == "" {
		return "8.8.8.8:53"
	}
	return server
}

type lookupResult struct {
	Query     string   `json:"query"`
	Addresses []string `json:"addresses,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func lookupOne(ctx context.Context, query, server string, reverse bool) lookupResult {
	msg := new(dns.Msg)
	if reverse {
		rev, err := dns.ReverseAddr(query)
		if err != nil {
			return lookupResult{Query: query, Error: err.Error()}
		}
		msg.SetQuestion(rev, dns.TypePTR)
	} else {
		msg.SetQuestion(dns.Fqdn(query), dns.TypeA)
	}

	resp, _, err := dnsClient.ExchangeContext(ctx, msg, resolverOrDefault(server))
	if err != nil {
		return lookupResult{Query: query, Error: err.Error()}
	}

	var addrs []string
	for _, ans := range resp.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			addrs = append(addrs, rr.A.String())
		case *dns.PTR:
			addrs = append(addrs, rr.Ptr)
		}
	}
	return lookupResult{Query: query, Addresses: addrs}
}

type dnsLookupParams struct {
	Query   string `json:"query"`
	Server  string `json:"server,omitempty"`
	Reverse bool   `json:"reverse,omitempty"`
}

func handleDNSLookup(ctx context.Context, _ *Service, raw json.RawMessage) (any, *errors.WireError) {
	var p dnsLookupParams
	if werr := decodeParams(raw, &p); werr != nil {
		return nil, werr
	}
	return lookupOne(ctx, p.Query, p.Server, p.Reverse), nil
}

type dnsLookupBatchParams struct {
	Queries []string `json:"queries"`
	Server  string   `json:"server,omitempty"`
	Reverse bool     `json:"reverse,omitempty"`
}

type dnsLookupBatchResult struct {
	Results []lookupResult `json:"results"`
}

func handleDNSLookupBatch(ctx context.Context, _ *Service, raw json.RawMessage) (any, *errors.WireError) {
	var p dnsLookupBatchParams
	if werr := decodeParams(raw, &p); werr != nil {
		return nil, werr
	}
	out := make([]lookupResult, len(p.Queries))
	var wg sync.WaitGroup
	for i, q := range p.Queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			out[i] = lookupOne(ctx, q, p.Server, p.Reverse)
		}(i, q)
	}
	wg.Wait()
	return dnsLookupBatchResult{Results: out}, nil
}

// pingSample is one ICMP echo round trip's outcome.
type pingSample struct {
	Host      string  `json:"host"`
	Reachable bool    `json:"reachable"`
	RTTMs     float64 `json:"rtt_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// icmpEcho sends one ICMP echo request to host and waits up to timeout for
// its reply, grounded on the standard golang.org/x/net/icmp request/reply
// loop (no raw-socket library exists elsewhere in the module graph; this
// is the idiomatic non-cgo way to speak ICMP in Go and requires
// CAP_NET_RAW or an unprivileged-ping sysctl grant, same as any other
// ICMP-based tool).
func icmpEcho(dst net.IP, id, seq int, timeout time.Duration) (time.Duration, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return 0, fmt.Errorf("icmp listen (requires ICMP privilege): %w", err)
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("fleetbroker")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, &net.IPAddr{IP: dst}); err != nil {
		return 0, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	rb := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(rb)
		if err != nil {
			return 0, err
		}
		rm, err := icmp.ParseMessage(1, rb[:n])
		if err != nil {
			continue
		}
		if peer.String() != dst.String() {
			continue
		}
		switch rm.Type {
		case ipv4.ICMPTypeEchoReply:
			return time.Since(start), nil
		case ipv4.ICMPTypeTimeExceeded:
			return time.Since(start), fmt.Errorf("time exceeded")
		}
	}
}

func pingHost(host string, timeout time.Duration) pingSample {
	ip, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return pingSample{Host: host, Error: err.Error()}
	}
	rtt, err := icmpEcho(ip.IP, os.Getpid()&0xffff, 1, timeout)
	if err != nil {
		return pingSample{Host: host, Error: err.Error()}
	}
	return pingSample{Host: host, Reachable: true, RTTMs: float64(rtt.Microseconds()) / 1000.0}
}

type pingHostsParams struct {
	Hosts     []string `json:"hosts"`
	TimeoutMs int      `json:"timeout_ms,omitempty"`
}

type pingHostsResult struct {
	Results []pingSample `json:"results"`
}

func handlePingHosts(_ context.Context, _ *Service, raw json.RawMessage) (any, *errors.WireError) {
	var p pingHostsParams
	if werr := decodeParams(raw, &p); werr != nil {
		return nil, werr
	}
	timeout := timeoutOrDefault(p.TimeoutMs)

	out := make([]pingSample, len(p.Hosts))
	var wg sync.WaitGroup
	for i, h := range p.Hosts {
		wg.Add(1)
		go func(i int, h string) {
			defer wg.Done()
			out[i] = pingHost(h, timeout)
		}(i, h)
	}
	wg.Wait()
	return pingHostsResult{Results: out}, nil
}

type npingHostParams struct {
	Host      string `json:"host"`
	Count     int    `json:"count,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type npingHostResult struct {
	Samples []pingSample `json:"samples"`
}

func handleNpingHost(_ context.Context, _ *Service, raw json.RawMessage) (any, *errors.WireError) {
	var p npingHostParams
	if werr := decodeParams(raw, &p); werr != nil {
		return nil, werr
	}
	count := p.Count
	if count <= 0 {
		count = 4
	}
	timeout := timeoutOrDefault(p.TimeoutMs)

	samples := make([]pingSample, count)
	for i := 0; i < count; i++ {
		samples[i] = pingHost(p.Host, timeout)
	}
	return npingHostResult{Samples: samples}, nil
}

type hop struct {
	TTL   int     `json:"ttl"`
	Addr  string  `json:"addr,omitempty"`
	RTTMs float64 `json:"rtt_ms,omitempty"`
	Error string  `json:"error,omitempty"`
}

type tracerouteParams struct {
	Host      string `json:"host"`
	MaxHops   int    `json:"max_hops,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type tracerouteResult struct {
	Hops []hop `json:"hops"`
}

// handleTraceroute walks TTLs 1..MaxHops, sending one ICMP echo per hop and
// recording whichever intermediate router (TimeExceeded) or the
// destination itself (EchoReply, which ends the walk) replies first.
func handleTraceroute(_ context.Context, _ *Service, raw json.RawMessage) (any, *errors.WireError) {
	var p tracerouteParams
	if werr := decodeParams(raw, &p); werr != nil {
		return nil, werr
	}
	maxHops := p.MaxHops
	if maxHops <= 0 {
		maxHops = 30
	}
	timeout := timeoutOrDefault(p.TimeoutMs)

	dst, err := net.ResolveIPAddr("ip4", p.Host)
	if err != nil {
		return nil, &errors.WireError{Code: "resolve_failed", Message: err.Error()}
	}

	var hops []hop
	for ttl := 1; ttl <= maxHops; ttl++ {
		addr, rtt, err := traceHop(dst.IP, ttl, timeout)
		if err != nil {
			hops = append(hops, hop{TTL: ttl, Error: err.Error()})
			continue
		}
		hops = append(hops, hop{TTL: ttl, Addr: addr, RTTMs: float64(rtt.Microseconds()) / 1000.0})
		if addr == dst.IP.String() {
			break
		}
	}
	return tracerouteResult{Hops: hops}, nil
}

func traceHop(dst net.IP, ttl int, timeout time.Duration) (string, time.Duration, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return "", 0, fmt.Errorf("icmp listen (requires ICMP privilege): %w", err)
	}
	defer conn.Close()

	pconn := conn.IPv4PacketConn()
	if err := pconn.SetTTL(ttl); err != nil {
		return "", 0, err
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: ttl, Data: []byte("fleetbroker")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return "", 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, &net.IPAddr{IP: dst}); err != nil {
		return "", 0, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", 0, err
	}

	rb := make([]byte, 1500)
	n, peer, err := conn.ReadFrom(rb)
	if err != nil {
		return "", 0, err
	}
	rm, err := icmp.ParseMessage(1, rb[:n])
	if err != nil {
		return "", 0, err
	}
	switch rm.Type {
	case ipv4.ICMPTypeTimeExceeded, ipv4.ICMPTypeEchoReply:
		return peer.String(), time.Since(start), nil
	default:
		return "", 0, fmt.Errorf("unexpected ICMP type %v", rm.Type)
	}
}

type portScanParams struct {
	Host      string `json:"host"`
	Ports     []int  `json:"ports"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type portResult struct {
	Port int  `json:"port"`
	Open bool `json:"open"`
}

type portScanResult struct {
	Ports []portResult `json:"ports"`
}

// handlePortScan probes each requested port with a bounded worker pool of
// plain TCP connect attempts (spec.md §6 "port_scan").
func handlePortScan(_ context.Context, _ *Service, raw json.RawMessage) (any, *errors.WireError) {
	var p portScanParams
	if werr := decodeParams(raw, &p); werr != nil {
		return nil, werr
	}
	timeout := timeoutOrDefault(p.TimeoutMs)

	const maxWorkers = 64
	workers := maxWorkers
	if len(p.Ports) < workers {
		workers = len(p.Ports)
	}

	jobs := make(chan int)
	results := make(chan portResult, len(p.Ports))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := range jobs {
				addr := net.JoinHostPort(p.Host, fmt.Sprintf("%d", port))
				conn, err := net.DialTimeout("tcp", addr, timeout)
				if err == nil {
					conn.Close()
				}
				results <- portResult{Port: port, Open: err == nil}
			}
		}()
	}
	go func() {
		for _, port := range p.Ports {
			jobs <- port
		}
		close(jobs)
	}()
	wg.Wait()
	close(results)

	out := make([]portResult, 0, len(p.Ports))
	for r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return portScanResult{Ports: out}, nil
}

func timeoutOrDefault(ms int) time.Duration {
	if ms <= 0 {
		return 2 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}
