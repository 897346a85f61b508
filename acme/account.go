// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"

	"golang.org/x/crypto/acme"
)

// acceptTOS is the registration prompt callback: the operator accepts the
// CA's terms of service by configuring an acme-managed certificate at all,
// per the admin API's authentication being the external gate on that
// action, not an interactive prompt at issuance time.
func acceptTOS(string) bool { return true }

// Register creates the ACME account bound to client.Key. Calling it again
// with the same key is harmless: the CA returns the existing account.
func Register(ctx context.Context, client *acme.Client) (*acme.Account, error) {
	a, err := client.Register(ctx, &acme.Account{}, acceptTOS)
	if errors.Is(err, acme.ErrAccountAlreadyExists) {
		a, err = client.GetReg(ctx, "")
	}
	if err != nil {
		return nil, fmt.Errorf("acme: register: %w", err)
	}
	return a, nil
}

// newCSR builds a PKCS#10 certificate request covering domains, with
// domains[0] as the request's common name.
func newCSR(key *ecdsa.PrivateKey, domains []string) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}
