package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"sigs.k8s.io/controller-runtime/pkg/client"

	kernelv1alpha1 "github.com/bayleafwalker/bindery-kernel/api/v1alpha1"
)

var (
	scheme = runtime.NewScheme()
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(kernelv1alpha1.AddToScheme(scheme))
}

// The load test publishes a chain of UnitManifests, each requiring the previous one, with
// synthetic entries the kernel builds in process, then fires parallel load requests for
// the head of the chain and reports load latency.
func main() {
	var kubeconfig string
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = filepath.Join(home, ".kube", "config")
	} else {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	flag.StringVar(&kubeconfig, "kubeconfig", kubeconfig, "absolute path to the kubeconfig file")

	var numUnits int
	var parallel int
	var namespace string
	var distBase string
	var adminURL string

	flag.IntVar(&numUnits, "units", 10, "Number of UnitManifests to publish")
	flag.IntVar(&parallel, "parallel", 4, "Concurrent load requests")
	flag.StringVar(&namespace, "namespace", "default", "Namespace the kernel resolves UnitManifests in")
	flag.StringVar(&distBase, "dist-base", "synthetic://load-test", "Base URL published for every unit")
	flag.StringVar(&adminURL, "admin", "http://127.0.0.1:8080", "Kernel admin base URL")
	flag.Parse()

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		log.Fatalf("Error building kubeconfig: %v", err)
	}
	k8sClient, err := client.New(config, client.Options{Scheme: scheme})
	if err != nil {
		log.Fatalf("Error creating client: %v", err)
	}

	run := time.Now().Unix()
	names := make([]string, numUnits)
	for i := range names {
		names[i] = fmt.Sprintf("load-test-%d-%d", run, i)
		spec := kernelv1alpha1.UnitManifestSpec{
			Unit:     kernelv1alpha1.UnitIdentity{Name: names[i], Version: "1.0.0"},
			DistBase: fmt.Sprintf("%s/%s/1.0.0", distBase, names[i]),
		}
		if i > 0 {
			spec.Requires = []kernelv1alpha1.UnitRequirement{{Name: names[i-1], Range: "^1.0.0"}}
		}
		um := &kernelv1alpha1.UnitManifest{
			ObjectMeta: metav1.ObjectMeta{Name: names[i], Namespace: namespace},
			Spec:       spec,
		}
		if err := k8sClient.Create(context.Background(), um); err != nil {
			log.Fatalf("Error creating UnitManifest %s: %v", names[i], err)
		}
	}
	fmt.Printf("Published %d UnitManifests in namespace %s\n", numUnits, namespace)

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	var wg sync.WaitGroup
	start := time.Now()
	latencies := make(chan time.Duration, parallel)

	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			body, _ := json.Marshal(map[string]any{
				"requests": []map[string]string{{"name": names[len(names)-1]}},
				"loadId":   fmt.Sprintf("load-test-%d-%d", run, id),
			})
			reqStart := time.Now()
			resp, err := httpClient.Post(adminURL+"/units/load", "application/json", bytes.NewReader(body))
			if err != nil {
				fmt.Printf("Load request %d failed: %v\n", id, err)
				return
			}
			defer resp.Body.Close()

			var out struct {
				Loaded []string `json:"loaded"`
				Error  string   `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&out)
			if resp.StatusCode != http.StatusOK {
				fmt.Printf("Load request %d: status %d: %s\n", id, resp.StatusCode, out.Error)
				return
			}
			latency := time.Since(reqStart)
			latencies <- latency
			fmt.Printf("Load request %d loaded %d units in %v\n", id, len(out.Loaded), latency)
		}(i)
	}

	wg.Wait()
	close(latencies)
	totalDuration := time.Since(start)

	var totalLatency time.Duration
	count := 0
	for l := range latencies {
		totalLatency += l
		count++
	}

	if count > 0 {
		avgLatency := totalLatency / time.Duration(count)
		fmt.Printf("Load test completed in %v. Avg load latency: %v\n", totalDuration, avgLatency)
	} else {
		fmt.Printf("Load test completed in %v. No loads succeeded.\n", totalDuration)
	}
}
