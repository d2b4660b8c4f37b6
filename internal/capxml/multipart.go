package capxml

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
)

// SDPContentType is the media type of the opaque SDP part in multipart
// bodies. The gateway never interprets SDP content; it only carries it.
const SDPContentType = "application/sdp"

const multipartBoundary = "capgw-boundary"

// MultipartContentType is the value to put in the SIP Content-Type header
// when a CAP XML part and an SDP part travel together.
func MultipartContentType() string {
	return fmt.Sprintf("multipart/mixed;boundary=%s", multipartBoundary)
}

// EncodeMultipart combines a CAP XML payload and an opaque SDP body into a
// multipart/mixed body.
func EncodeMultipart(capBody, sdpBody []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(multipartBoundary); err != nil {
		return nil, fmt.Errorf("setting multipart boundary: %w", err)
	}

	capHdr := textproto.MIMEHeader{}
	capHdr.Set("Content-Type", ContentType)
	part, err := w.CreatePart(capHdr)
	if err != nil {
		return nil, fmt.Errorf("creating cap-xml part: %w", err)
	}
	if _, err := part.Write(capBody); err != nil {
		return nil, fmt.Errorf("writing cap-xml part: %w", err)
	}

	sdpHdr := textproto.MIMEHeader{}
	sdpHdr.Set("Content-Type", SDPContentType)
	part, err = w.CreatePart(sdpHdr)
	if err != nil {
		return nil, fmt.Errorf("creating sdp part: %w", err)
	}
	if _, err := part.Write(sdpBody); err != nil {
		return nil, fmt.Errorf("writing sdp part: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMultipart splits a multipart body into its CAP XML part and its SDP
// part. Either may be absent; the caller decides whether that is an error.
func DecodeMultipart(contentType string, body []byte) (capBody, sdpBody []byte, err error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, nil, fmt.Errorf("content type %q is not multipart", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, nil, fmt.Errorf("multipart content type without boundary")
	}

	r := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading multipart body: %w", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, nil, fmt.Errorf("reading multipart part: %w", err)
		}
		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		switch partType {
		case ContentType:
			capBody = data
		case SDPContentType:
			sdpBody = data
		}
	}
	return capBody, sdpBody, nil
}
