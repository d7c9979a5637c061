package blob

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("S3Store", func() {
	var (
		server    *ghttp.Server
		store     *S3Store
		ctx       context.Context
		publicURL string
	)

	BeforeEach(func() {
		ctx = context.Background()
		server = ghttp.NewServer()
		publicURL = ""
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		var err error
		store, err = NewS3Store(ctx, S3Config{
			Bucket:          "receipts",
			Region:          "us-east-1",
			Endpoint:        server.URL(),
			AccessKeyID:     "test",
			SecretAccessKey: "test",
			PublicURL:       publicURL,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("requires a bucket", func() {
		_, err := NewS3Store(ctx, S3Config{})
		Expect(err).To(MatchError("s3 bucket is required"))
	})

	Describe("Upload", func() {
		When("the bucket accepts the object", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPut, MatchRegexp(`^/receipts/receipts/owner-1/2024/03/15/[0-9a-f-]+\.jpg$`)),
					ghttp.VerifyHeaderKV("Content-Type", "image/jpeg"),
					ghttp.RespondWith(http.StatusOK, ""),
				))
			})

			It("returns an s3 location", func() {
				location, err := store.Upload(ctx, "receipts/owner-1/2024/03/15", []byte("jpeg"), "image/jpeg")
				Expect(err).NotTo(HaveOccurred())
				Expect(location).To(MatchRegexp(`^s3://receipts/receipts/owner-1/2024/03/15/[0-9a-f-]+\.jpg$`))
			})

			When("a public URL is configured", func() {
				BeforeEach(func() {
					publicURL = "https://cdn.example.com/"
				})

				It("returns the public URL", func() {
					location, err := store.Upload(ctx, "receipts/owner-1/2024/03/15", []byte("jpeg"), "image/jpeg")
					Expect(err).NotTo(HaveOccurred())
					Expect(location).To(HavePrefix("https://cdn.example.com/receipts/owner-1/2024/03/15/"))
				})
			})
		})

		When("the bucket denies access", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusForbidden,
					`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`))
			})

			It("returns an error", func() {
				_, err := store.Upload(ctx, "incoming/owner-1", []byte("jpeg"), "image/jpeg")
				Expect(err).To(MatchError(ContainSubstring("uploading to s3")))
			})
		})
	})

	Describe("Download", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/receipts/incoming/owner-1/a.png"),
				ghttp.RespondWith(http.StatusOK, "png bytes"),
			))
		})

		It("reads the object", func() {
			data, err := store.Download(ctx, "s3://receipts/incoming/owner-1/a.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("png bytes"))
		})

		When("the location uses the public URL", func() {
			BeforeEach(func() {
				publicURL = "https://cdn.example.com"
			})

			It("maps it back to the key", func() {
				data, err := store.Download(ctx, "https://cdn.example.com/incoming/owner-1/a.png")
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("png bytes"))
			})
		})
	})

	It("rejects locations from another bucket", func() {
		_, err := store.Download(ctx, "s3://other/a.png")
		Expect(err).To(MatchError(ContainSubstring("is not in bucket receipts")))
		Expect(server.ReceivedRequests()).To(BeEmpty())
	})

	Describe("Delete", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodDelete, "/receipts/incoming/owner-1/a.png"),
				ghttp.RespondWith(http.StatusNoContent, ""),
			))
		})

		It("deletes the object", func() {
			Expect(store.Delete(ctx, "s3://receipts/incoming/owner-1/a.png")).To(Succeed())
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})
})
