package certs

import (
	"crypto/rsa"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/adamscao/nodetrust/internal/models"
	"github.com/adamscao/nodetrust/pkg/certutil"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instanceName = "VC"

var testCAData = CertificateData{
	Country:            "US",
	State:              "Washington",
	Location:           "Richland",
	Organization:       "pnnl",
	OrganizationalUnit: "platform",
	CommonName:         instanceName + "_root_ca",
}

type fakeIndex struct {
	records []*models.CertificateRecord
	revoked []string

	createErr error
	onCreate  func(cert *models.CertificateRecord)
}

func (f *fakeIndex) Create(cert *models.CertificateRecord) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.records = append(f.records, cert)
	if f.onCreate != nil {
		f.onCreate(cert)
	}
	return nil
}

func (f *fakeIndex) SerialExists(serial string) (bool, error) {
	for _, r := range f.records {
		if r.SerialNumber == serial {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIndex) RevokeByIdentity(identity string) (int64, error) {
	f.revoked = append(f.revoked, identity)
	return 1, nil
}

func newTestStore(t *testing.T, index Index) *Store {
	t.Helper()

	store, err := New(Options{Root: t.TempDir(), InstanceName: instanceName, Index: index})
	require.NoError(t, err)
	return store
}

func newStoreWithCA(t *testing.T) (*Store, *fakeIndex) {
	t.Helper()

	index := &fakeIndex{}
	store := newTestStore(t, index)
	_, err := store.CreateRootCA(testCAData)
	require.NoError(t, err)
	return store, index
}

func readRecordFile(t *testing.T, store *Store, identity string) models.CSRRecord {
	t.Helper()

	data, err := os.ReadFile(store.CSRMetaFile(identity))
	require.NoError(t, err)

	var rec models.CSRRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func TestNewCreatesDirectories(t *testing.T) {
	store := newTestStore(t, nil)

	for _, dir := range []string{PendingDir, CertsDir, PrivateDir, CADBDir, RemoteCertsDir} {
		info, err := os.Stat(filepath.Join(store.Root(), dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}

	// idempotent
	_, err := New(Options{Root: store.Root(), InstanceName: instanceName})
	assert.NoError(t, err)

	_, err = New(Options{Root: store.Root()})
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
}

func TestCreateRootCA(t *testing.T) {
	store := newTestStore(t, nil)
	assert.False(t, store.CAExists())

	ca, err := store.CreateRootCA(testCAData)
	require.NoError(t, err)
	assert.True(t, store.CAExists())
	assert.Equal(t, "VC-root-ca", ca.Name)
	assert.True(t, ca.Cert.IsCA)
	assert.Equal(t, testCAData.CommonName, ca.Cert.Subject.CommonName)
	assert.NoError(t, ca.Cert.CheckSignatureFrom(ca.Cert))

	_, err = store.CreateRootCA(testCAData)
	assert.True(t, errors.Is(err, errs.ErrAlreadyExists))
}

func TestCreateSignedCertIsIdempotent(t *testing.T) {
	store, index := newStoreWithCA(t)
	assert.False(t, store.CertExists("test_cert"))

	certPEM, keyPEM, err := store.CreateSignedCert("test_cert", store.RootCAName())
	require.NoError(t, err)
	assert.True(t, store.CertExists("test_cert"))
	assert.NoError(t, store.VerifyCert(certPEM))
	require.Len(t, index.records, 1)
	assert.Equal(t, "test_cert", index.records[0].Identity)

	again, againKey, err := store.CreateSignedCert("test_cert", store.RootCAName())
	require.NoError(t, err)
	assert.Equal(t, certPEM, again)
	assert.Equal(t, keyPEM, againKey)
	assert.Len(t, index.records, 1)

	_, _, err = store.CreateSignedCert("other", "missing-ca")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCreateCSR(t *testing.T) {
	store, _ := newStoreWithCA(t)

	csrPEM, err := store.CreateCSR("FullyQualifiedIdentity", "RemoteInstanceName")
	require.NoError(t, err)

	csr, err := ParseCSR(csrPEM)
	require.NoError(t, err)
	assert.Equal(t, "FullyQualifiedIdentity", csr.Subject.CommonName)
	assert.Equal(t, []string{"RemoteInstanceName"}, csr.Subject.OrganizationalUnit)
	assert.FileExists(t, store.PrivateKeyFile("FullyQualifiedIdentity"))

	// the key is reused on a second request
	keyBefore, err := os.ReadFile(store.PrivateKeyFile("FullyQualifiedIdentity"))
	require.NoError(t, err)
	_, err = store.CreateCSR("FullyQualifiedIdentity", "RemoteInstanceName")
	require.NoError(t, err)
	keyAfter, err := os.ReadFile(store.PrivateKeyFile("FullyQualifiedIdentity"))
	require.NoError(t, err)
	assert.Equal(t, keyBefore, keyAfter)

	cn, err := CommonName(csrPEM)
	require.NoError(t, err)
	assert.Equal(t, "FullyQualifiedIdentity", cn)

	_, err = CommonName([]byte("garbage"))
	assert.Error(t, err)
}

func TestSavePendingCSR(t *testing.T) {
	store, _ := newStoreWithCA(t)
	csr, err := store.CreateCSR("FullyQualifiedIdentity", "RemoteInstanceName")
	require.NoError(t, err)

	status, err := store.GetStatus("test_csr")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnknown, status)

	csrFile, err := store.SavePendingCSR("10.1.1.1", "test_csr", csr)
	require.NoError(t, err)

	raw, err := os.ReadFile(csrFile)
	require.NoError(t, err)
	assert.Equal(t, csr, raw)

	rec := readRecordFile(t, store, "test_csr")
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, string(csr), rec.CSR)
	assert.Equal(t, "10.1.1.1", rec.RemoteAddr)

	// resubmission keeps the original bytes and stays PENDING
	other, err := store.CreateCSR("Another", "RemoteInstanceName")
	require.NoError(t, err)
	_, err = store.SavePendingCSR("10.1.1.2", "test_csr", other)
	require.NoError(t, err)

	raw, err = os.ReadFile(csrFile)
	require.NoError(t, err)
	assert.Equal(t, csr, raw)

	rec = readRecordFile(t, store, "test_csr")
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, string(csr), rec.CSR)

	records, err := store.ListCSRs()
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = store.SavePendingCSR("10.1.1.1", "../escape", csr)
	assert.True(t, errors.Is(err, errs.ErrIdentityMismatch))
}

func TestApproveCSR(t *testing.T) {
	store, index := newStoreWithCA(t)
	csr, err := store.CreateCSR("VC.device1", "VC")
	require.NoError(t, err)

	_, err = store.ApproveCSR("VC.device1")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = store.SavePendingCSR("10.1.1.1", "VC.device1", csr)
	require.NoError(t, err)

	certPEM, err := store.ApproveCSR("VC.device1")
	require.NoError(t, err)
	assert.NotEmpty(t, certPEM)

	status, err := store.GetStatus("VC.device1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, status)

	// signed by the local CA and bound to the CSR key
	require.NoError(t, store.VerifyCert(certPEM))
	cert, err := certutil.ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	parsedCSR, err := ParseCSR(csr)
	require.NoError(t, err)
	assert.True(t, cert.PublicKey.(*rsa.PublicKey).Equal(parsedCSR.PublicKey))
	assert.Equal(t, "VC.device1", cert.Subject.CommonName)

	rec := readRecordFile(t, store, "VC.device1")
	assert.Equal(t, models.StatusApproved, rec.Status)
	assert.Equal(t, string(certPEM), rec.Cert)
	require.Len(t, index.records, 1)

	// approval is terminal
	again, err := store.ApproveCSR("VC.device1")
	require.NoError(t, err)
	assert.Equal(t, certPEM, again)
	assert.Len(t, index.records, 1)

	err = store.DenyCSR("VC.device1")
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))

	_, err = store.SavePendingCSR("10.1.1.1", "VC.device1", csr)
	require.NoError(t, err)
	status, err = store.GetStatus("VC.device1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, status)

	fromCSR, err := store.GetCertFromCSR("VC.device1")
	require.NoError(t, err)
	assert.Equal(t, certPEM, fromCSR)
}

func TestDenyCSR(t *testing.T) {
	store, _ := newStoreWithCA(t)
	csr, err := store.CreateCSR("FullyQualifiedIdentity", "RemoteInstanceName")
	require.NoError(t, err)

	assert.True(t, errors.Is(store.DenyCSR("test_csr"), errs.ErrNotFound))

	csrFile, err := store.SavePendingCSR("10.1.1.1", "test_csr", csr)
	require.NoError(t, err)

	require.NoError(t, store.DenyCSR("test_csr"))
	require.NoError(t, store.DenyCSR("test_csr"))

	rec := readRecordFile(t, store, "test_csr")
	assert.Equal(t, models.StatusDenied, rec.Status)
	assert.FileExists(t, store.CSRMetaFile("test_csr"))
	assert.FileExists(t, csrFile)
	assert.False(t, store.CertExists("test_csr"))

	_, err = store.ApproveCSR("test_csr")
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))

	_, err = store.GetCertFromCSR("test_csr")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestDeleteCSR(t *testing.T) {
	store, index := newStoreWithCA(t)
	csr, err := store.CreateCSR("VC.device1", "VC")
	require.NoError(t, err)

	csrFile, err := store.SavePendingCSR("10.1.1.1", "VC.device1", csr)
	require.NoError(t, err)
	_, err = store.ApproveCSR("VC.device1")
	require.NoError(t, err)

	require.NoError(t, store.DeleteCSR("VC.device1"))
	assert.NoFileExists(t, csrFile)
	assert.NoFileExists(t, store.CSRMetaFile("VC.device1"))
	assert.False(t, store.CertExists("VC.device1"))
	assert.Equal(t, []string{"VC.device1"}, index.revoked)

	status, err := store.GetStatus("VC.device1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnknown, status)

	// unconditional
	assert.NoError(t, store.DeleteCSR("VC.device1"))

	// a deleted request can be submitted again as a new one
	_, err = store.SavePendingCSR("10.1.1.1", "VC.device1", csr)
	require.NoError(t, err)
	status, err = store.GetStatus("VC.device1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, status)
}

func TestDeleteCSRLeavesOtherCertificates(t *testing.T) {
	store, index := newStoreWithCA(t)

	// no CSR was ever submitted under the root CA name
	require.NoError(t, store.DeleteCSR(store.RootCAName()))
	assert.True(t, store.CAExists())
	_, err := store.CACertificate()
	require.NoError(t, err)

	// a certificate issued directly is not a CSR artifact
	_, _, err = store.CreateSignedCert("service", store.RootCAName())
	require.NoError(t, err)
	require.NoError(t, store.DeleteCSR("service"))
	assert.True(t, store.CertExists("service"))

	// neither is one shadowed by a request that was never approved
	csr, err := store.CreateCSR("service", "VC")
	require.NoError(t, err)
	_, err = store.SavePendingCSR("10.1.1.1", "service", csr)
	require.NoError(t, err)
	require.NoError(t, store.DeleteCSR("service"))
	assert.True(t, store.CertExists("service"))
	assert.NoFileExists(t, store.CSRMetaFile("service"))

	assert.Empty(t, index.revoked)
}

func TestApproveCSRUndoesCertOnIndexFailure(t *testing.T) {
	store, index := newStoreWithCA(t)
	csr, err := store.CreateCSR("VC.device1", "VC")
	require.NoError(t, err)
	_, err = store.SavePendingCSR("10.1.1.1", "VC.device1", csr)
	require.NoError(t, err)

	index.createErr = errors.New("database is locked")
	_, err = store.ApproveCSR("VC.device1")
	require.Error(t, err)
	assert.False(t, store.CertExists("VC.device1"))

	status, err := store.GetStatus("VC.device1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, status)

	// a retry goes through once the index recovers
	index.createErr = nil
	_, err = store.ApproveCSR("VC.device1")
	require.NoError(t, err)
	assert.Len(t, index.records, 1)
}

func TestApproveCSRUndoesCertOnRecordFailure(t *testing.T) {
	store, index := newStoreWithCA(t)
	csr, err := store.CreateCSR("VC.device1", "VC")
	require.NoError(t, err)
	_, err = store.SavePendingCSR("10.1.1.1", "VC.device1", csr)
	require.NoError(t, err)

	// replace the metadata file with a directory once the cert is indexed,
	// so the final record write cannot succeed
	meta := store.CSRMetaFile("VC.device1")
	index.onCreate = func(*models.CertificateRecord) {
		require.NoError(t, os.Remove(meta))
		require.NoError(t, os.Mkdir(meta, 0o755))
	}

	_, err = store.ApproveCSR("VC.device1")
	require.Error(t, err)
	assert.False(t, store.CertExists("VC.device1"))
	assert.Equal(t, []string{"VC.device1"}, index.revoked)
}

func TestRemoteCerts(t *testing.T) {
	store, _ := newStoreWithCA(t)
	caPEM, err := store.CACertificate()
	require.NoError(t, err)

	require.NoError(t, store.SaveRemoteCert("other-instance", caPEM, false))
	got, err := store.RemoteCert("other-instance")
	require.NoError(t, err)
	assert.Equal(t, caPEM, got)

	_, err = store.RemoteCert("missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	assert.Error(t, store.SaveRemoteCert("bad", []byte("nope"), false))
}

func TestSaveRemoteCertKeepsDifferentCert(t *testing.T) {
	store, _ := newStoreWithCA(t)
	peer, _ := newStoreWithCA(t)
	ourPEM, err := store.CACertificate()
	require.NoError(t, err)
	peerPEM, err := peer.CACertificate()
	require.NoError(t, err)

	require.NoError(t, store.SaveRemoteCert("peer", peerPEM, false))

	// storing the same certificate again is a no-op
	require.NoError(t, store.SaveRemoteCert("peer", peerPEM, false))

	err = store.SaveRemoteCert("peer", ourPEM, false)
	assert.True(t, errors.Is(err, errs.ErrAlreadyExists))
	got, err := store.RemoteCert("peer")
	require.NoError(t, err)
	assert.Equal(t, peerPEM, got)

	require.NoError(t, store.SaveRemoteCert("peer", ourPEM, true))
	got, err = store.RemoteCert("peer")
	require.NoError(t, err)
	assert.Equal(t, ourPEM, got)
}
