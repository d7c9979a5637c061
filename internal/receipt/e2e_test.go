package receipt_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-intake/internal/blob"
	"github.com/zombor/receipt-intake/internal/extraction"
	"github.com/zombor/receipt-intake/internal/fingerprint"
	"github.com/zombor/receipt-intake/internal/job"
	"github.com/zombor/receipt-intake/internal/receipt"
	"github.com/zombor/receipt-intake/internal/scanning"
	"github.com/zombor/receipt-intake/internal/worker"
)

// fixedExtractor reads the same fields from every image.
type fixedExtractor struct {
	fields scanning.ReceiptData
}

func (e fixedExtractor) Extract(ctx context.Context, in extraction.Input) (*extraction.Result, error) {
	return &extraction.Result{Fields: e.fields, Tier: "vision"}, nil
}

func receiptPNG() []byte {
	img := image.NewGray(image.Rect(0, 0, 48, 64))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 239)
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Uploading the same file twice", func() {
	var (
		ctx         context.Context
		jobStore    *job.BoltStore
		catalog     *receipt.BoltDB
		adapter     *blob.Adapter
		scheduler   *worker.Scheduler
		ghttpServer *ghttp.Server
		data        []byte
	)

	upload := func() *http.Response {
		var b bytes.Buffer
		writer := multipart.NewWriter(&b)
		part, _ := writer.CreateFormFile("file", "receipt.png")
		part.Write(data)
		writer.Close()

		req, err := http.NewRequest("POST", ghttpServer.URL()+"/api/jobs", &b)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set(receipt.OwnerHeader, "alice")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	post := func(path string) *http.Response {
		req, err := http.NewRequest("POST", ghttpServer.URL()+path, nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set(receipt.OwnerHeader, "alice")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, v)).To(Succeed(), string(body))
	}

	BeforeEach(func() {
		ctx = context.Background()
		dir := GinkgoT().TempDir()
		data = receiptPNG()

		var err error
		jobStore, err = job.NewBoltStore(filepath.Join(dir, "jobs.db"), nil)
		Expect(err).NotTo(HaveOccurred())
		catalog, err = receipt.NewBoltDB(filepath.Join(dir, "receipts.db"))
		Expect(err).NotTo(HaveOccurred())
		archive, err := blob.NewLocalStore(filepath.Join(dir, "archive"))
		Expect(err).NotTo(HaveOccurred())
		staging, err := blob.NewLocalStore(filepath.Join(dir, "staging"))
		Expect(err).NotTo(HaveOccurred())
		adapter = blob.NewAdapter(nil, archive, staging, blob.NewTasks(time.Second))

		jobs := job.NewService(jobStore, adapter)
		service := receipt.NewService(catalog, jobs, adapter)
		server := receipt.NewServer(service, receipt.ServerConfig{})

		extractor := fixedExtractor{fields: scanning.ReceiptData{
			ShopName:  "Mercury Drug",
			TIN:       "005-123-456-000",
			AmountDue: "1250.50",
			Date:      "2024-03-15",
		}}
		cfg := worker.DefaultConfig()
		processor := worker.NewProcessor(jobStore, extractor, adapter, cfg, nil, nil)
		scheduler, err = worker.NewScheduler(jobStore, processor, cfg, nil, nil)
		Expect(err).NotTo(HaveOccurred())

		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "DELETE"} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
		Expect(adapter.Tasks().Wait(ctx)).To(Succeed())
		jobStore.Close()
		catalog.Close()
	})

	It("rejects the second copy by its file hash", func() {
		var first, second job.View
		resp := upload()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		decode(resp, &first)
		resp = upload()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		decode(resp, &second)

		Expect(scheduler.Tick(ctx)).To(Equal(2))
		Expect(adapter.Tasks().Wait(ctx)).To(Succeed())

		// Both jobs hash the same bytes to the same value.
		for _, id := range []string{first.ID, second.ID} {
			j, err := jobStore.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(j.Status).To(Equal(job.StatusCompleted))
			Expect(j.Result.FileHash).To(Equal(fingerprint.ComputeFileHash(data)))
		}

		var recorded receipt.Receipt
		resp = post("/api/jobs/" + first.ID + "/receipt")
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		decode(resp, &recorded)

		var conflict map[string]string
		resp = post("/api/jobs/" + second.ID + "/receipt")
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		decode(resp, &conflict)
		Expect(conflict["kind"]).To(Equal(string(receipt.DuplicateFileHash)))
		Expect(conflict["existing_id"]).To(Equal(recorded.ID))

		// Once cataloged, a third copy is turned away before it is queued.
		resp = upload()
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		decode(resp, &conflict)
		Expect(conflict["kind"]).To(Equal(string(receipt.DuplicateFileHash)))

		views, err := job.NewService(jobStore, adapter).ListJobs(ctx, "alice", "", 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(views).To(HaveLen(2))
	})
})
