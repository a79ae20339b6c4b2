/*
Package security provides mutual-TLS identity for node-to-node grid
traffic: a CertAuthority that issues short-lived node and client
certificates off a single long-lived root, consumed by
pkg/transport's TCPTransport/Listener to authenticate every connection.

# Architecture

A single root CA (RSA-4096, 10-year validity, generated once by the
node that bootstraps the cluster) signs per-node certificates
(RSA-2048, 90-day validity, DigitalSignature+KeyEncipherment,
ServerAuth+ClientAuth) and per-client certificates (ClientAuth only).
The root certificate and key are persisted via pkg/storage in DER
form — the key as plain PKCS1, relying on the storage layer's
filesystem-level protection rather than a second application-level
cipher — in the local store of the node that saves them.
pkg/syscache's Raft log and snapshots carry no CA material, so this
code does not replicate the CA to other nodes.

# Usage

	store, _ := storage.NewBoltStore(dataDir)
	ca := security.NewCertAuthority(store)
	if err := ca.Initialize(); err != nil { ... } // bootstrap node only
	if err := ca.SaveToStore(); err != nil { ... }
	// ... other nodes:
	if err := ca.LoadFromStore(); err != nil { ... }

	nodeCert, err := ca.IssueNodeCertificate(nodeID, "grid", dnsNames, ips)
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{*nodeCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    security.CertPool(ca.GetRootCACert()),
	}

Issued certificates are cached in memory and can be read back with
GetCachedCert; every Issue call still generates a fresh RSA key. VerifyCertificate
checks a peer certificate against the root; CertNeedsRotation and
GetCertTimeRemaining (certs.go) let a long-running node decide when to
re-issue its own certificate before the 90-day node validity expires.
certs.go's SaveCertToFile/LoadCertFromFile/CertExists/RemoveCerts give
gridnode a filesystem cache of its own issued certificate across
restarts, keyed by role and node id via GetCertDir.
*/
package security
