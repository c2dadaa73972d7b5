package streamingest_test

import (
	"fmt"

	streamingest "github.com/e7canasta/stream-ingest"
)

func ExampleTransport_Toggle() {
	fmt.Println(streamingest.TransportTCP.Toggle())
	fmt.Println(streamingest.TransportUDP.Toggle())
	// Output:
	// udp
	// tcp
}

func ExampleSourceConfig_IsLocalFile() {
	network := streamingest.SourceConfig{URL: "rtsp://192.168.1.10:554/stream"}
	file := streamingest.SourceConfig{URL: "/recordings/backyard.mp4"}
	fmt.Println(network.IsLocalFile())
	fmt.Println(file.IsLocalFile())
	// Output:
	// false
	// true
}

func ExampleConnection_GetFrame() {
	conn, err := streamingest.NewConnection(streamingest.SourceConfig{
		ID:  "front-door",
		URL: "rtsp://192.168.1.10:554/stream",
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	// Before Start the buffer is empty, so GetFrame degrades to the
	// solid-black placeholder at the configured geometry.
	f := conn.GetFrame(0)
	fmt.Println(f.Width, f.Height, len(f.Data))
	// Output:
	// 640 480 921600
}

func ExampleNewRegistry() {
	reg := streamingest.NewRegistry(nil)
	reg.Add(streamingest.SourceConfig{ID: "cam-b", URL: "rtsp://10.0.0.2/stream"})
	reg.Add(streamingest.SourceConfig{ID: "cam-a", URL: "rtsp://10.0.0.1/stream"})

	fmt.Println(reg.IDs())
	// Output:
	// [cam-a cam-b]
}
