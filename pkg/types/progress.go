package types

// UploadProgress is one observation of an in-flight upload.
type UploadProgress struct {
	BytesSent  int64 `json:"bytesSent"`
	BytesTotal int64 `json:"bytesTotal"`
}

func (p UploadProgress) Percent() float64 {
	if p.BytesTotal <= 0 {
		return 0
	}
	return float64(p.BytesSent) / float64(p.BytesTotal) * 100
}

func (p UploadProgress) Done() bool {
	return p.BytesTotal > 0 && p.BytesSent >= p.BytesTotal
}
